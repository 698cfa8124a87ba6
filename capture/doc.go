// Package capture sources display frames from the host GStreamer stack
// instead of the portable network stages. It is compiled only with the
// gstcapture build tag, keeping default builds free of cgo and of the
// GStreamer runtime requirement.
package capture
