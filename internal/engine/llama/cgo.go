//go:build llama

package llama

// Link against libllama found next to the binary (./bin) at build and run time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../../bin -lllama
*/
import "C"
