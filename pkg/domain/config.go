package domain

// ConfigurationChangedEvent names the dynamic configuration keys that were
// added, updated or deleted in one change set.
type ConfigurationChangedEvent struct {
	ChangedKeys []string
}

// ChangeListener reacts to dynamic configuration changes.
type ChangeListener interface {
	OnConfigurationChanged(event ConfigurationChangedEvent)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(event ConfigurationChangedEvent)

// OnConfigurationChanged calls f(event).
func (f ChangeListenerFunc) OnConfigurationChanged(event ConfigurationChangedEvent) {
	f(event)
}

// ConfigSource exposes the dynamic configuration the governance core reads.
// Implementations own polling and diffing; the core only reacts to events.
type ConfigSource interface {
	// Property returns the raw value stored under key.
	Property(key string) (string, bool)

	// Properties returns a copy of every key currently configured.
	Properties() map[string]string

	// Subscribe registers a listener for change events. Listeners are invoked
	// after the new values are visible through Property.
	Subscribe(listener ChangeListener)
}
