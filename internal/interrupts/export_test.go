package interrupts

// resetInstalled lets tests install a fresh dispatcher; on the real machine
// the IDT is installed exactly once.
func resetInstalled() {
	installed.Store(false)
}
