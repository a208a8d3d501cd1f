package protocol

import (
	"bytes"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

// TestFrameRoundTrip tests that decode(encode(p)) == (p, "") for any payload
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload")

		frame, err := Encode(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, rest, ok := Decode(frame)
		if !ok {
			t.Fatalf("complete frame not decoded")
		}
		if !bytes.Equal(decoded, payload) {
			t.Fatalf("payload mismatch: got %x, want %x", decoded, payload)
		}
		if len(rest) != 0 {
			t.Fatalf("unexpected remainder of %d bytes", len(rest))
		}
	})
}

// TestDecoderSplitAnywhere feeds an encoded frame split at arbitrary boundaries
// and checks nothing is released until the last byte arrives
func TestDecoderSplitAnywhere(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "payload")
		frame, err := Encode(payload)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		d := NewDecoder(0)
		fed := 0
		for fed < len(frame) {
			step := rapid.IntRange(1, len(frame)-fed).Draw(t, "step")
			d.Feed(frame[fed : fed+step])
			fed += step

			got, ok, err := d.Next()
			if err != nil {
				t.Fatalf("decoder error: %v", err)
			}
			if fed < len(frame) {
				if ok {
					t.Fatalf("frame released after %d of %d bytes", fed, len(frame))
				}
				continue
			}
			if !ok {
				t.Fatalf("frame not released after all bytes arrived")
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch")
			}
		}
	})
}

// TestDecoderStreamOfFrames checks ordering across many frames and chunkings
func TestDecoderStreamOfFrames(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payloads := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 64), 1, 20).Draw(t, "payloads")

		var stream []byte
		for _, p := range payloads {
			frame, err := Encode(p)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			stream = append(stream, frame...)
		}

		d := NewDecoder(0)
		var got [][]byte
		for len(stream) > 0 {
			step := rapid.IntRange(1, len(stream)).Draw(t, "chunk")
			d.Feed(stream[:step])
			stream = stream[step:]
			for {
				p, ok, err := d.Next()
				if err != nil {
					t.Fatalf("decoder error: %v", err)
				}
				if !ok {
					break
				}
				got = append(got, p)
			}
		}

		if len(got) != len(payloads) {
			t.Fatalf("got %d frames, want %d", len(got), len(payloads))
		}
		for i := range payloads {
			if !bytes.Equal(got[i], payloads[i]) {
				t.Fatalf("frame %d mismatch", i)
			}
		}
		if d.Buffered() != 0 {
			t.Fatalf("decoder still holds %d bytes", d.Buffered())
		}
	})
}

// TestChatEventRoundTrip checks that any chat line survives encode/decode
func TestChatEventRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "from")
		to := rapid.StringMatching(`[a-z]{0,12}`).Draw(t, "to")
		text := rapid.String().Draw(t, "text")
		ts := rapid.Uint64Range(0, 1<<53).Draw(t, "ts")

		payload, err := Marshal(NewChatEvent(from, to, text, ts))
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}

		env, err := DecodeEnvelope(payload)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		wantType := TypeMessage
		if to != "" {
			wantType = TypePrivate
		}
		if env.Type != wantType || env.From != from || env.To != to || env.Timestamp != ts {
			t.Fatalf("header mismatch: %+v", env)
		}
		if !utf8Equal(env.Text, text) {
			t.Fatalf("text mismatch: got %q, want %q", env.Text, text)
		}
	})
}

// encoding/json replaces invalid UTF-8 with U+FFFD; only compare valid input
func utf8Equal(got, want string) bool {
	if !utf8.ValidString(want) {
		return true
	}
	return got == want
}
