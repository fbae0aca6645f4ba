package snapshot

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	// Millisecond precision survives the round trip; snowflake times never
	// carry more.
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	encMode, err = opts.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TimeTag: cbor.DecTagOptional,
	}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a record.
func Encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot encode: %w", err)
	}
	return b, nil
}

// Decode fills v from bytes produced by Encode. Unknown fields are ignored so
// older readers accept newer records.
func Decode(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("snapshot decode: %w", err)
	}
	return nil
}

// Diagnose renders encoded bytes in CBOR diagnostic notation for the CLI.
func Diagnose(b []byte) (string, error) {
	return cbor.Diagnose(b)
}
