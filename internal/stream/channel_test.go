package stream

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/protocol"
)

func channelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca, err := NewChannel("a", a, NewFramerStage())
	require.NoError(t, err)
	cb, err := NewChannel("b", b, NewFramerStage())
	require.NoError(t, err)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func writeAsync(ctx context.Context, c *Channel, msgs ...protocol.Message) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := c.WriteMessage(ctx, m); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()
	return errCh
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func TestFramingRoundTrip(t *testing.T) {
	ctx := context.Background()
	payloads := map[string][]byte{
		"empty body":     {},
		"small":          []byte("hello"),
		"below":          randomBytes(255),
		"at threshold":   randomBytes(256),
		"above":          randomBytes(5000),
		"compressible":   bytes.Repeat([]byte("abcd"), 4000),
		"multi-read big": randomBytes(70000),
	}

	// larger than a wire frame once uncompressed, a few KB compressed
	compressedOnly := map[string][]byte{
		"over wire limit": make([]byte, 3<<20),
	}

	for _, compressed := range []bool{false, true} {
		cases := payloads
		if compressed {
			cases = make(map[string][]byte, len(payloads)+len(compressedOnly))
			for name, body := range payloads {
				cases[name] = body
			}
			for name, body := range compressedOnly {
				cases[name] = body
			}
		}
		for name, body := range cases {
			t.Run(fmt.Sprintf("%s/compressed=%v", name, compressed), func(t *testing.T) {
				ca, cb := channelPair(t)
				if compressed {
					require.NoError(t, ca.EnableCompression(256))
					require.NoError(t, cb.EnableCompression(256))
				}

				sent := protocol.BinaryPacket{ID: 0x21, Body: body}
				errCh := writeAsync(ctx, ca, sent)

				msg, err := cb.ReadMessage(ctx)
				require.NoError(t, err)
				require.NoError(t, <-errCh)

				got, ok := msg.(protocol.BinaryPacket)
				require.True(t, ok)
				assert.Equal(t, sent.ID, got.ID)
				assert.True(t, bytes.Equal(sent.Body, got.Body))
			})
		}
	}
}

func TestCompressionWireFormat(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	defer b.Close()

	ca, err := NewChannel("a", a, NewFramerStage())
	require.NoError(t, err)
	defer ca.Close()
	require.NoError(t, ca.EnableCompression(64))

	small := protocol.BinaryPacket{ID: 1, Body: []byte{1, 2, 3}}
	large := protocol.BinaryPacket{ID: 2, Body: bytes.Repeat([]byte{7}, 500)}
	errCh := writeAsync(ctx, ca, small, large)

	r := &byteReader{r: b}

	// small: [packetLength][dataLength=0][id][body]
	packetLength, err := protocol.ReadVarInt(r)
	require.NoError(t, err)
	frame := make([]byte, packetLength)
	_, err = io.ReadFull(b, frame)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x00}, small.Payload()...), frame)

	// large: [packetLength][dataLength=len(payload)][zlib]
	packetLength, err = protocol.ReadVarInt(r)
	require.NoError(t, err)
	frame = make([]byte, packetLength)
	_, err = io.ReadFull(b, frame)
	require.NoError(t, err)

	dataLength, n, err := protocol.DecodeVarInt(frame)
	require.NoError(t, err)
	assert.EqualValues(t, len(large.Payload()), dataLength)
	assert.Less(t, len(frame)-n, len(large.Payload()))

	inflated, err := inflate(frame[n:], int(dataLength))
	require.NoError(t, err)
	assert.Equal(t, large.Payload(), inflated)

	require.NoError(t, <-errCh)
}

func TestLargeCompressedFrameFromWire(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	defer b.Close()

	ca, err := NewChannel("a", a, NewFramerStage())
	require.NoError(t, err)
	defer ca.Close()
	require.NoError(t, ca.EnableCompression(256))

	payload := protocol.BinaryPacket{ID: 0x27, Body: make([]byte, 3<<20)}.Payload()
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err = zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	frame := protocol.AppendVarInt(nil, int32(len(payload)))
	frame = append(frame, zbuf.Bytes()...)
	require.Less(t, len(frame), protocol.MaxFrameSize)
	go b.Write(append(protocol.AppendVarInt(nil, int32(len(frame))), frame...))

	msg, err := ca.ReadMessage(ctx)
	require.NoError(t, err)
	got := msg.(protocol.BinaryPacket)
	assert.EqualValues(t, 0x27, got.ID)
	assert.Len(t, got.Body, 3<<20)
	assert.True(t, ca.IsAlive())
}

func TestFrameSizeLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("plain boundary", func(t *testing.T) {
		ca, cb := channelPair(t)

		// one id byte plus the body
		err := ca.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x21, Body: make([]byte, protocol.MaxFrameSize)})
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.True(t, ca.IsAlive(), "nothing was written")

		sent := protocol.BinaryPacket{ID: 0x21, Body: randomBytes(protocol.MaxFrameSize - 1)}
		errCh := writeAsync(ctx, ca, sent)
		msg, err := cb.ReadMessage(ctx)
		require.NoError(t, err)
		require.NoError(t, <-errCh)
		assert.True(t, bytes.Equal(sent.Body, msg.(protocol.BinaryPacket).Body))
	})

	t.Run("incompressible over wire limit", func(t *testing.T) {
		ca, cb := channelPair(t)
		require.NoError(t, ca.EnableCompression(256))
		require.NoError(t, cb.EnableCompression(256))

		err := ca.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x21, Body: randomBytes(3 << 20)})
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		require.True(t, ca.IsAlive())

		sent := protocol.BinaryPacket{ID: 0x22, Body: []byte("after")}
		errCh := writeAsync(ctx, ca, sent)
		msg, err := cb.ReadMessage(ctx)
		require.NoError(t, err)
		require.NoError(t, <-errCh)
		assert.Equal(t, sent, msg)
	})

	t.Run("over uncompressed limit", func(t *testing.T) {
		ca, _ := channelPair(t)
		require.NoError(t, ca.EnableCompression(256))

		err := ca.WriteMessage(ctx, protocol.BinaryPacket{ID: 0x21, Body: make([]byte, MaxUncompressedSize)})
		assert.ErrorIs(t, err, ErrFrameTooLarge)
		assert.True(t, ca.IsAlive())
	})
}

func TestCompressionRejectsUndersizedCompressedFrame(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	defer b.Close()

	ca, err := NewChannel("a", a, NewFramerStage())
	require.NoError(t, err)
	defer ca.Close()
	require.NoError(t, ca.EnableCompression(256))

	// declares 10 uncompressed bytes, which is below the threshold
	frame := protocol.AppendVarInt(nil, 10)
	frame = append(frame, 0x78, 0x9c)
	go b.Write(append(protocol.AppendVarInt(nil, int32(len(frame))), frame...))

	_, err = ca.ReadMessage(ctx)
	assert.ErrorIs(t, err, ErrBadCompression)
	assert.False(t, ca.IsAlive())
}

func TestEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	secret := []byte("0123456789abcdef")

	ca, cb := channelPair(t)
	require.NoError(t, ca.EnableEncryption(secret))
	require.NoError(t, cb.EnableEncryption(secret))
	require.NoError(t, ca.EnableCompression(32))
	require.NoError(t, cb.EnableCompression(32))

	assert.Equal(t, []string{KindRaw, KindCipher, KindCompression, KindFramer}, ca.Kinds())

	msgs := []protocol.Message{
		protocol.BinaryPacket{ID: 3, Body: []byte("short")},
		protocol.BinaryPacket{ID: 4, Body: bytes.Repeat([]byte("long"), 100)},
	}
	errCh := writeAsync(ctx, ca, msgs...)
	for _, want := range msgs {
		got, err := cb.ReadMessage(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, <-errCh)
}

func TestCFB8KnownAnswer(t *testing.T) {
	// NIST SP 800-38A, F.3.7 CFB8-AES128.Encrypt
	key := mustHex("2b7e151628aed2a6abf7158809cf4f3c")
	iv := mustHex("000102030405060708090a0b0c0d0e0f")
	plain := mustHex("6bc1bee22e409f96e93d7e117393172aae2d")
	cipherText := mustHex("3b79424c9c0dd436bace9e0ed4586a4f32b9")

	cs, err := NewCipherStage(key)
	require.NoError(t, err)
	enc := newCFB8(cs.encrypt.block, iv, false)
	dec := newCFB8(cs.encrypt.block, iv, true)

	out := make([]byte, len(plain))
	enc.XORKeyStream(out, plain)
	assert.Equal(t, cipherText, out)

	// in place, split across calls
	buf := append([]byte(nil), cipherText...)
	dec.XORKeyStream(buf[:5], buf[:5])
	dec.XORKeyStream(buf[5:], buf[5:])
	assert.Equal(t, plain, buf)
}

func TestPauseResumeDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ca, cb := channelPair(t)
	require.NoError(t, cb.Pause(OpRead))
	assert.False(t, cb.TryPause(OpRead))
	assert.ErrorIs(t, cb.Pause(OpRead), ErrAlreadyPaused)

	sent := []protocol.Message{
		protocol.BinaryPacket{ID: 1, Body: []byte{0xa}},
		protocol.BinaryPacket{ID: 2, Body: []byte{0xb}},
		protocol.BinaryPacket{ID: 3, Body: []byte{0xc}},
	}
	errCh := writeAsync(ctx, ca, sent...)

	got := make(chan protocol.Message, len(sent))
	go func() {
		for range sent {
			m, err := cb.ReadMessage(ctx)
			if err != nil {
				return
			}
			got <- m
		}
	}()

	select {
	case m := <-got:
		t.Fatalf("read %v while paused", m)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, cb.Resume(OpRead))
	assert.ErrorIs(t, cb.Resume(OpRead), ErrNotPaused)

	for _, want := range sent {
		select {
		case m := <-got:
			assert.Equal(t, want, m)
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
	}
	require.NoError(t, <-errCh)

	select {
	case m := <-got:
		t.Fatalf("unexpected extra message %v", m)
	default:
	}
}

func TestPausedWriteHonoursContext(t *testing.T) {
	ca, _ := channelPair(t)
	require.True(t, ca.TryPause(OpWrite))
	assert.True(t, ca.IsPaused(OpWrite))
	assert.False(t, ca.IsPaused(OpRead))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ca.WriteMessage(ctx, protocol.BinaryPacket{ID: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ca.IsAlive())
}

func TestPrependBuffer(t *testing.T) {
	ctx := context.Background()
	ca, cb := channelPair(t)

	sniffed := protocol.AppendFrame(nil, 0x00, []byte("sniffed"))
	cb.PrependBuffer(sniffed)

	errCh := writeAsync(ctx, ca, protocol.BinaryPacket{ID: 0x01, Body: []byte("live")})

	first, err := cb.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BinaryPacket{ID: 0x00, Body: []byte("sniffed")}, first)

	second, err := cb.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BinaryPacket{ID: 0x01, Body: []byte("live")}, second)
	require.NoError(t, <-errCh)
}

func TestChannelConfigurationErrors(t *testing.T) {
	secret := []byte("0123456789abcdef")

	t.Run("cipher twice", func(t *testing.T) {
		ca, _ := channelPair(t)
		require.NoError(t, ca.EnableEncryption(secret))
		err := ca.EnableEncryption(secret)
		assert.ErrorIs(t, err, ErrConfiguration)
		assert.Equal(t, []string{KindRaw, KindCipher, KindFramer}, ca.Kinds())
		assert.True(t, ca.IsAlive())
	})

	t.Run("compression twice", func(t *testing.T) {
		ca, _ := channelPair(t)
		require.NoError(t, ca.EnableCompression(64))
		assert.ErrorIs(t, ca.EnableCompression(64), ErrConfiguration)
		assert.Equal(t, []string{KindRaw, KindCompression, KindFramer}, ca.Kinds())
	})

	t.Run("cipher above wrapped stream", func(t *testing.T) {
		ca, _ := channelPair(t)
		cs, err := NewCipherStage(secret)
		require.NoError(t, err)
		assert.ErrorIs(t, ca.Add(cs), ErrConfiguration)
		assert.Equal(t, []string{KindRaw, KindFramer}, ca.Kinds())
	})

	t.Run("raw cannot be removed", func(t *testing.T) {
		ca, _ := channelPair(t)
		assert.ErrorIs(t, Remove[*RawStage](ca), ErrConfiguration)
	})

	t.Run("missing marker", func(t *testing.T) {
		ca, _ := channelPair(t)
		cs, err := NewCompressionStage(1)
		require.NoError(t, err)
		assert.ErrorIs(t, AddBefore[*CipherStage](ca, cs), ErrStageNotFound)
	})
}

func TestGetAndRemove(t *testing.T) {
	ca, _ := channelPair(t)

	framer, err := Get[*FramerStage](ca)
	require.NoError(t, err)
	assert.NotNil(t, framer)

	_, ok := TryGet[*CompressionStage](ca)
	assert.False(t, ok)
	_, err = Get[*CompressionStage](ca)
	assert.ErrorIs(t, err, ErrStageNotFound)

	require.NoError(t, ca.EnableCompression(10))
	cs, ok := TryGet[*CompressionStage](ca)
	require.True(t, ok)
	assert.Equal(t, 10, cs.Threshold())

	require.NoError(t, Remove[*CompressionStage](ca))
	assert.Equal(t, []string{KindRaw, KindFramer}, ca.Kinds())
}

func TestChannelFaultClosesChannel(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	ca, err := NewChannel("a", a, NewFramerStage())
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, err = ca.ReadMessage(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, ca.IsAlive())

	_, err = ca.ReadMessage(ctx)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, ca.WriteMessage(ctx, protocol.BinaryPacket{}), ErrChannelClosed)

	select {
	case <-ca.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRawChannelYieldsBuffers(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	ca, err := NewChannel("a", a)
	require.NoError(t, err)
	defer ca.Close()

	go b.Write([]byte{1, 2, 3})
	msg, err := ca.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.RawBuffer{1, 2, 3}, msg)

	assert.ErrorIs(t, ca.WriteMessage(ctx, protocol.BinaryPacket{ID: 1}), ErrConfiguration)
}
