package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	FlowsChanged    bool       // true if any flow was added, removed, or repointed
	FlowChanges     []FlowDiff // per-flow diffs
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// FlowDiff describes what changed for a single flow between two configs.
type FlowDiff struct {
	ID           string
	PathChanged  bool
	VoiceChanged bool
	Added        bool
	Removed      bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart: flow
// definitions take effect on the next call, and the log level switches
// immediately. Connection settings (realtime endpoint, DSNs) require a
// restart and are not diffed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build flow lookup maps keyed by ID.
	oldFlows := make(map[string]*FlowRef, len(old.Flows))
	for i := range old.Flows {
		oldFlows[old.Flows[i].ID] = &old.Flows[i]
	}
	newFlows := make(map[string]*FlowRef, len(new.Flows))
	for i := range new.Flows {
		newFlows[new.Flows[i].ID] = &new.Flows[i]
	}

	// Detect modified and removed flows.
	for id, oldFlow := range oldFlows {
		newFlow, exists := newFlows[id]
		if !exists {
			d.FlowChanges = append(d.FlowChanges, FlowDiff{
				ID:      id,
				Removed: true,
			})
			d.FlowsChanged = true
			continue
		}
		fd := FlowDiff{ID: id}
		if oldFlow.Path != newFlow.Path {
			fd.PathChanged = true
		}
		if oldFlow.Voice != newFlow.Voice {
			fd.VoiceChanged = true
		}
		if fd.PathChanged || fd.VoiceChanged {
			d.FlowChanges = append(d.FlowChanges, fd)
			d.FlowsChanged = true
		}
	}

	// Detect added flows.
	for id := range newFlows {
		if _, exists := oldFlows[id]; !exists {
			d.FlowChanges = append(d.FlowChanges, FlowDiff{
				ID:    id,
				Added: true,
			})
			d.FlowsChanged = true
		}
	}

	return d
}
