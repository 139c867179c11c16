// Package lims talks to the central LIMS server: experiment queries and
// patches, log submission and e-mail dispatch.
package lims

import (
	"encoding/json"
	"time"
)

type JobState string

const (
	JobIdle           JobState = "Idle"
	JobStartRequested JobState = "StartRequested"
	JobActive         JobState = "Active"
	JobStopRequested  JobState = "StopRequested"
	JobFinished       JobState = "Finished"
)

type ProcessingState string

const (
	ProcessingUninitialized ProcessingState = "Uninitialized"
	ProcessingReady         ProcessingState = "Ready"
	ProcessingRunning       ProcessingState = "Running"
	ProcessingCompleted     ProcessingState = "Completed"
	ProcessingDisabled      ProcessingState = "Disabled"
)

type StorageState string

const (
	StorageNone                   StorageState = "None"
	StorageUninitialized          StorageState = "Uninitialized"
	StorageIdle                   StorageState = "Idle"
	StorageTransferStartRequested StorageState = "TransferStartRequested"
	StorageTransfering            StorageState = "Transfering"
	StorageTransferStopRequested  StorageState = "TransferStopRequested"
	StorageArchivationRequested   StorageState = "ArchivationRequested"
	StorageArchiving              StorageState = "Archiving"
	StorageArchived               StorageState = "Archived"
	StorageExpirationRequested    StorageState = "ExpirationRequested"
	StorageExpiring               StorageState = "Expiring"
	StorageExpired                StorageState = "Expired"
)

// ExperimentStorage is the storage section of an experiment.
type ExperimentStorage struct {
	State           StorageState `json:"State"`
	Engine          string       `json:"StorageEngine,omitempty"`
	Archive         bool         `json:"Archive,omitempty"`
	SourceDirectory string       `json:"SourceDirectory,omitempty"`
	SourcePatterns  []string     `json:"SourcePatterns,omitempty"`
	KeepSourceFiles bool         `json:"KeepSourceFiles"`
	DtLastUpdated   *time.Time   `json:"DtLastUpdated,omitempty"`
	Target          string       `json:"Target,omitempty"`
	Path            string       `json:"Path,omitempty"`
	Token           string       `json:"Token,omitempty"`
}

// ExperimentProcessing is the processing section of an experiment.
type ExperimentProcessing struct {
	State  ProcessingState `json:"State"`
	Engine string          `json:"ProcessingEngine,omitempty"`
	Node   string          `json:"Node,omitempty"`
	Pid    string          `json:"Pid,omitempty"`
}

// Experiment is one LIMS experiment. Raw keeps the whole document for
// metadata extraction.
type Experiment struct {
	ID          string               `json:"Id"`
	SecondaryID string               `json:"SecondaryId"`
	State       JobState             `json:"State"`
	Instrument  string               `json:"InstrumentName"`
	Technique   string               `json:"Technique"`
	NotifyUser  bool                 `json:"NotifyUser"`
	UserType    string               `json:"UserType,omitempty"`
	DtCreated   time.Time            `json:"DtCreated"`
	Storage     ExperimentStorage    `json:"Storage"`
	Processing  ExperimentProcessing `json:"Processing"`

	Raw map[string]any `json:"-"`
}

func (e *Experiment) UnmarshalJSON(b []byte) error {
	type plain Experiment
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = Experiment(p)
	e.Raw = raw
	return nil
}

// Type is "Instrument/Technique", the key experiment types are matched on.
func (e Experiment) Type() string {
	return e.Instrument + "/" + e.Technique
}

// Email is a templated notification sent on behalf of an experiment.
type Email struct {
	Template   string            `json:"Template,omitempty"`
	Subject    string            `json:"Subject,omitempty"`
	Body       string            `json:"Body,omitempty"`
	Recipients []string          `json:"Recipients,omitempty"`
	Data       map[string]string `json:"Data,omitempty"`
}

// LogRecord is one entry of the experiment log.
type LogRecord struct {
	ID           string    `json:"Id"`
	ExperimentID *string   `json:"ExperimentId"`
	Dt           time.Time `json:"Dt"`
	Origin       string    `json:"Origin"`
	Level        string    `json:"Level"`
	Message      string    `json:"Message"`
}

// Query selects experiments.
type Query struct {
	JobStates    []JobState
	StorageState StorageState
	// WithSourceDir lists experiments that still reference a source directory.
	WithSourceDir bool
}
