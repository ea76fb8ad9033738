package device

// Probe runs a full connect/disconnect cycle against the reader and reports
// its frame geometry. Used by health checks; callers must hold the device
// lock so a probe never races an active session.
func Probe(r Reader) (Info, error) {
	if err := r.Create(); err != nil {
		return Info{}, err
	}
	defer r.Terminate()
	if err := r.Init(AutoDetect); err != nil {
		return Info{}, err
	}
	if err := r.Open(AutoDetect); err != nil {
		return Info{}, err
	}
	defer r.Close()
	return r.Info()
}
