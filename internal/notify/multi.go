package notify

// Multi fans a Notification out to every backend, so an operator can run
// the desktop D-Bus Notifier and the webhook Notifier side by side. A
// backend's error does not stop the rest from being tried.
type Multi []Notifier

// Notify sends n to every backend, returning the first error
// encountered (after attempting all of them) and the first non-zero id.
func (m Multi) Notify(n Notification) (uint32, error) {
	var id uint32
	var firstErr error
	for _, backend := range m {
		got, err := backend.Notify(n)
		if err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		if id == 0 {
			id = got
		}
	}
	return id, firstErr
}

// Close closes id on every backend.
func (m Multi) Close(id uint32) error {
	var firstErr error
	for _, backend := range m {
		if err := backend.Close(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
