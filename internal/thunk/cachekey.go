package thunk

import (
	"bytes"
	"fmt"

	"github.com/dgryski/go-farm"
)

// CacheKey hashes a function identity together with its resolved argument
// values. It is only ever consulted for thunks created with Options.Cache
// set; thunks that don't opt in never have this computed or looked up.
func CacheKey(funcName string, args []any) uint64 {
	var buf bytes.Buffer
	buf.WriteString(funcName)
	buf.WriteByte(0)
	for _, a := range args {
		fmt.Fprintf(&buf, "%#v", a)
		buf.WriteByte(0)
	}
	return farm.Hash64(buf.Bytes())
}
