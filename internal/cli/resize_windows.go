package cli

// watchResize is a no-op: Windows consoles have no SIGWINCH.
func watchResize(int, func(cols, rows int)) (stop func()) {
	return func() {}
}
