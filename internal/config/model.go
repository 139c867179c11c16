package config

import (
	"github.com/Roelanb/limsnode/internal/lims"
	"github.com/Roelanb/limsnode/internal/rules"
	"github.com/Roelanb/limsnode/internal/storage"
)

// Module types.
const (
	ModuleJobLifecycle = "job_lifecycle"
	ModuleArchivation  = "archivation"
	ModuleExpiration   = "expiration"
	ModuleClean        = "clean"
)

type NodeCfg struct {
	// Name identifies this node to the LIMS, e.g. for processing assignment.
	Name string `json:"name"`
}

type LimsCfg struct {
	BaseURL    string `json:"baseUrl"`
	Token      string `json:"token,omitempty"`
	TimeoutSec int    `json:"timeoutSec"`
	// ForwardLogs sends warnings and errors to the experiment log.
	ForwardLogs bool   `json:"forwardLogs"`
	LogLevel    string `json:"logLevel,omitempty"`
}

type LoggingCfg struct {
	Level string `json:"level"`
}

type APICfg struct {
	Listen string `json:"listen"`
}

// PathMapping rewrites instrument side path prefixes to node paths.
type PathMapping struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RuntimeCfg struct {
	StateDir               string        `json:"stateDir"`
	Workers                int           `json:"workers"`
	MaxConsecutiveFailures int           `json:"maxConsecutiveFailures"`
	StabilityWindowMs      int           `json:"stabilityWindowMs"`
	ReconsumeOnChange      bool          `json:"reconsumeOnChange"`
	TempDir                string        `json:"tempDir,omitempty"`
	HistoryDbPath          string        `json:"historyDbPath,omitempty"`
	PathMappings           []PathMapping `json:"pathMappings,omitempty"`
}

// ExperimentType binds experiments whose "Instrument/Technique" matches
// Pattern to a storage and a rule set.
type ExperimentType struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Storage string `json:"storage"`
	// IdleTimeoutSec stops an active job once no file arrived for this long.
	// Zero disables the automatic stop.
	IdleTimeoutSec int          `json:"idleTimeoutSec"`
	MetadataTarget string       `json:"metadataTarget"`
	Rules          []rules.Spec `json:"rules"`
	// MetadataModel maps metadata keys to experiment fields ("exp:Project/Name").
	MetadataModel map[string]string `json:"metadataModel,omitempty"`
	// AssignProcessing maps processing engines to the node that runs them.
	AssignProcessing map[string]string     `json:"assignProcessing,omitempty"`
	Emails           map[string]lims.Email `json:"emails,omitempty"`
}

type ModuleCfg struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Enabled     bool     `json:"enabled"`
	IntervalSec int      `json:"intervalSec"`
	WatchDirs   []string `json:"watchDirs,omitempty"`
	// ArchiveStorage names the destination storage of an archivation module.
	ArchiveStorage string                `json:"archiveStorage,omitempty"`
	CleanAfterSec  int                   `json:"cleanAfterSec,omitempty"`
	DryRun         *bool                 `json:"dryRun,omitempty"`
	Emails         map[string]lims.Email `json:"emails,omitempty"`
}

type Config struct {
	Version         int                       `json:"version"`
	Node            NodeCfg                   `json:"node"`
	Lims            LimsCfg                   `json:"lims"`
	Logging         LoggingCfg                `json:"logging"`
	API             APICfg                    `json:"api"`
	Runtime         RuntimeCfg                `json:"runtime"`
	Storages        map[string]storage.Config `json:"storages"`
	ExperimentTypes []ExperimentType          `json:"experimentTypes"`
	Modules         []ModuleCfg               `json:"modules"`
}
