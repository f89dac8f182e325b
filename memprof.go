package memprof

// InitSimple is the stable environment/runtime API of spec.md §6:
// init(host, port). It wires a direct (non-broker) connection to the
// given viewer endpoint and starts the snapshot builder. Callers needing
// broker mode or other overrides should call Init(Config{...}) directly
// instead.
func InitSimple(host string, port int) *RuntimeContext {
	rc := Init(Config{Host: host, Port: port})
	rc.Builder.Start()
	return rc
}

// Shutdown stops the snapshot builder and closes the sender. Per spec.md
// §5, in-flight snapshots may be lost; the builder's goroutine exits at
// its next wakeup.
func Shutdown() {
	if ctx == nil {
		return
	}
	ctx.Builder.Stop()
	ctx.Sender.Close()
}

// RecordAlloc is the stable record_alloc(ptr, size, file, line) entry
// point of spec.md §6. It always installs file and line as the explicit
// context via the Interceptor's SetContext, so the runtime.Caller fallback
// is never used on this path.
func RecordAlloc(ptr, size uint64, file string, line uint32) {
	if ctx == nil {
		return
	}
	ctx.Interceptor.SetContext(file, line, "")
	ctx.Interceptor.RecordAlloc(ptr, size, false, 1)
}

// RecordFree is the stable record_free(ptr) entry point of spec.md §6.
func RecordFree(ptr uint64) {
	if ctx == nil {
		return
	}
	ctx.Interceptor.RecordFree(ptr, 0)
}
