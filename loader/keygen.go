package loader

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// KeyGenerator derives deterministic cache keys from item identity and
// operation parameters. Keys must be stable across lookups of semantically
// equal items.
type KeyGenerator[T any, ID comparable] interface {
	// ForItem derives a key from the item's content and the operation
	// parameters.
	ForItem(item T, params map[string]any) string
	// ByID derives the identity key for id.
	ByID(id ID) string
}

// DefaultKeyGenerator hashes msgpack-encoded content with xxhash. Map keys
// are sorted before encoding so semantically equal parameter maps hash
// identically.
type DefaultKeyGenerator[T any, ID comparable] struct{}

var _ KeyGenerator[any, string] = DefaultKeyGenerator[any, string]{}

func (DefaultKeyGenerator[T, ID]) ByID(id ID) string {
	return "id:" + fmt.Sprint(id)
}

func (DefaultKeyGenerator[T, ID]) ForItem(item T, params map[string]any) string {
	var b strings.Builder
	b.WriteString(typeName(item))
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(contentHash(item), 16))
	if len(params) > 0 {
		b.WriteString(":params:")
		b.WriteString(strconv.FormatUint(contentHash(params), 16))
	}
	return b.String()
}

// contentHash returns a deterministic 64-bit digest of v. Values msgpack
// cannot encode fall back to their formatted representation.
func contentHash(v any) uint64 {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return xxhash.Sum64String(fmt.Sprintf("%+v", v))
	}
	return xxhash.Sum64(buf.Bytes())
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
