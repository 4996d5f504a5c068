package vraft

// ConfigManager holds the current membership and, while a membership change
// is uncommitted, the one it replaced.
type ConfigManager struct {
	current  *RaftConfig
	previous *RaftConfig
	onChange func(from, to *RaftConfig)
}

// NewConfigManager starts from initial. onChange runs after every swap and
// rollback with the old and new config.
func NewConfigManager(initial *RaftConfig, onChange func(from, to *RaftConfig)) *ConfigManager {
	return &ConfigManager{current: initial, onChange: onChange}
}

// Current returns the config in force.
func (cm *ConfigManager) Current() *RaftConfig { return cm.current }

// Previous returns the config a pending change replaced, or nil.
func (cm *ConfigManager) Previous() *RaftConfig { return cm.previous }

// Set swaps in next, remembering the current config for rollback.
func (cm *ConfigManager) Set(next *RaftConfig) {
	from := cm.current
	cm.previous, cm.current = from, next
	if cm.onChange != nil {
		cm.onChange(from, next)
	}
}

// Replace swaps in next without keeping a rollback point. Used when
// membership is adopted wholesale, e.g. at startup.
func (cm *ConfigManager) Replace(next *RaftConfig) {
	from := cm.current
	cm.previous, cm.current = nil, next
	if cm.onChange != nil {
		cm.onChange(from, next)
	}
}

// Commit drops the rollback point.
func (cm *ConfigManager) Commit() {
	cm.previous = nil
}

// Rollback restores the previous config. It returns false if no change was pending.
func (cm *ConfigManager) Rollback() bool {
	if cm.previous == nil {
		return false
	}
	from := cm.current
	cm.current, cm.previous = cm.previous, nil
	if cm.onChange != nil {
		cm.onChange(from, cm.current)
	}
	return true
}
