// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package balboa

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var fuzzTypes = []uint8{
	MsgStatusUpdate, MsgDeviceConfiguration, MsgSetupParameters, MsgSystemInformation,
	MsgModuleIdentResponse, MsgFaultLog, MsgFilterCycles, MsgSetTemperature,
	MsgClearToSend, MsgChannelAssignmentResp, MsgControlRequest, MsgPanelRequest, 0x99,
}

// randomFrame builds a frame with a random known type and payload
func randomFrame(rng *rand.Rand) *Frame {
	payload := make([]byte, rng.Intn(40))
	rng.Read(payload)
	return &Frame{
		Channel: uint8(rng.Intn(256)),
		PF:      PFAddressed,
		Type:    fuzzTypes[rng.Intn(len(fuzzTypes))],
		Payload: payload,
	}
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or loop forever
func TestFuzzDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewDecoder()
		data := make([]byte, rng.Intn(300))
		rng.Read(data)
		// Bias towards markers so candidate frames actually form
		for j := range data {
			if rng.Intn(8) == 0 {
				data[j] = Marker
			}
		}

		now := time.Unix(0, 0)
		d.Feed(data, now)
		frames, _ := drain(d)
		for d.Buffered() > 0 {
			d.Expire(now.Add(time.Hour))
			more, _ := drain(d)
			frames = append(frames, more...)
		}

		for _, f := range frames {
			if _, err := EncodeFrame(f); err != nil {
				t.Fatalf("round %d: decoded frame does not re-encode: %v", i, err)
			}
		}
	}
}

// TestFuzzDecoder_FramesSurviveNoise interleaves valid frames with noise
// that contains no markers and checks every frame is recovered in order
func TestFuzzDecoder_FramesSurviveNoise(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		var stream []byte
		var want [][]byte
		for n := rng.Intn(5) + 1; n > 0; n-- {
			noise := make([]byte, rng.Intn(10))
			for j := range noise {
				noise[j] = uint8(rng.Intn(Marker))
			}
			stream = append(stream, noise...)

			wire := MustEncodeFrame(randomFrame(rng))
			want = append(want, wire)
			stream = append(stream, wire...)
		}

		d := NewDecoder()
		// Random chunking exercises partial frames
		for len(stream) > 0 {
			n := rng.Intn(len(stream)) + 1
			d.Write(stream[:n])
			stream = stream[n:]
		}
		frames, errs := drain(d)

		if len(errs) != 0 {
			t.Fatalf("round %d: unexpected errors %v", i, errs)
		}
		if len(frames) != len(want) {
			t.Fatalf("round %d: expected %d frames, got %d", i, len(want), len(frames))
		}
		for j, f := range frames {
			if !bytes.Equal(MustEncodeFrame(f), want[j]) {
				t.Fatalf("round %d: frame %d mismatch", i, j)
			}
		}
	}
}

// ============================================================
// Message Fuzz Tests
// ============================================================

// TestFuzzDecode_RoundTrip checks that any decodable frame re-encodes
// to exactly the same bytes
func TestFuzzDecode_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		f := randomFrame(rng)
		msg, err := Decode(f)
		if err != nil {
			continue // short payload for the type
		}

		got, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("round %d: encode failed: %v", i, err)
		}
		want := MustEncodeFrame(f)
		if !bytes.Equal(got, want) {
			t.Fatalf("round %d: %s round trip mismatch:\n% X\n% X", i, FormatMessageType(f.Type), got, want)
		}

		// Formatting and validation must cope with arbitrary field values
		_ = FormatMessage(msg)
		_ = ValidateMessage(msg)
	}
}
