package engine

// SetGatePage shrinks the page size used when gating in-flight requests.
func SetGatePage(n int) (restore func()) {
	old := gatePage
	gatePage = n
	return func() { gatePage = old }
}
