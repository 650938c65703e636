package zbc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZBC_CRC16CCITT(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint16(0x29B1), CRC16CCITT([]byte("123456789")))
	require.Equal(t, uint16(0x0000), CRC16CCITT(nil))
}

func TestZBC_PacketRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("with payload", func(t *testing.T) {
		t.Parallel()
		payload := BuildMessage(DefaultMessageID, []byte{0x42, 0x00})
		raw := BuildPacket(FlagSQS|FlagFIN, 7, 3, payload, nil)

		pkt, err := ParsePacket(raw)
		require.NoError(t, err)
		require.Equal(t, byte(FlagSQS|FlagFIN|FlagCS), pkt.Flags)
		require.Equal(t, uint16(7), pkt.Transaction)
		require.Equal(t, uint16(3), pkt.Sequence)
		require.Equal(t, payload, pkt.Payload)
		require.True(t, pkt.HasChecksum)
	})

	t.Run("empty payload has no checksum", func(t *testing.T) {
		t.Parallel()
		raw := BuildPacket(FlagACK, 1, 0, nil, nil)
		pkt, err := ParsePacket(raw)
		require.NoError(t, err)
		require.False(t, pkt.HasChecksum)
		require.Empty(t, pkt.Payload)
	})

	t.Run("forced checksum on empty payload", func(t *testing.T) {
		t.Parallel()
		on := true
		raw := BuildPacket(FlagSQS|FlagFIN, 2, 0, nil, &on)
		pkt, err := ParsePacket(raw)
		require.NoError(t, err)
		require.True(t, pkt.HasChecksum)
	})

	t.Run("mutating any byte invalidates", func(t *testing.T) {
		t.Parallel()
		payload := BuildMessage(DefaultMessageID, []byte{0x42, 0x00, 0x64, 0x00})
		raw := BuildPacket(FlagSQS|FlagFIN, 9, 0, payload, nil)
		for i := range raw {
			mut := append([]byte(nil), raw...)
			mut[i] ^= 0xFF
			_, err := ParsePacket(mut)
			require.Error(t, err, "flipped byte %d", i)
		}
	})
}

func TestZBC_BuildAck(t *testing.T) {
	t.Parallel()

	// ACK echoes trx/seq, keeps session flags, clears NAK and CS.
	raw := BuildAck(FlagSQS|FlagFIN|FlagNAK|FlagCS, 0x1234, 5)
	pkt, err := ParsePacket(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), pkt.Transaction)
	require.Equal(t, uint16(5), pkt.Sequence)
	require.NotZero(t, pkt.Flags&FlagACK)
	require.Zero(t, pkt.Flags&FlagNAK)
	require.Zero(t, pkt.Flags&FlagCS)
	require.NotZero(t, pkt.Flags&FlagSQS)
	require.NotZero(t, pkt.Flags&FlagFIN)
}

func TestZBC_MessageRoundTrip(t *testing.T) {
	t.Parallel()

	body := []byte{0x01, 0x02, 0x03}
	data := BuildMessage(0x500A, body)
	id, got, err := ParseMessage(data)
	require.NoError(t, err)
	require.Equal(t, uint16(0x500A), id)
	require.Equal(t, body, got)

	_, _, err = ParseMessage(data[:4])
	require.ErrorIs(t, err, ErrMessageTruncated)
}

func TestZBC_Codec(t *testing.T) {
	t.Parallel()

	t.Run("u16le with scale", func(t *testing.T) {
		t.Parallel()
		// S4: raw 100 at scale 0.1 decodes to 10.
		v, err := DecodeValue([]byte{0x64, 0x00}, "u16le", 0.1, 0)
		require.NoError(t, err)
		require.Equal(t, "10", v)

		b, err := EncodeValue("10", "u16le", 0.1, 0)
		require.NoError(t, err)
		require.Equal(t, []byte{0x64, 0x00}, b)
	})

	t.Run("zero scale coerced to one", func(t *testing.T) {
		t.Parallel()
		v, err := DecodeValue([]byte{0x05, 0x00}, "u16le", 0, 0)
		require.NoError(t, err)
		require.Equal(t, "5", v)
	})

	t.Run("i16le negative", func(t *testing.T) {
		t.Parallel()
		b, err := EncodeValue("-3", "i16le", 1, 0)
		require.NoError(t, err)
		v, err := DecodeValue(b, "i16le", 1, 0)
		require.NoError(t, err)
		require.Equal(t, "-3", v)
	})

	t.Run("f32le with offset", func(t *testing.T) {
		t.Parallel()
		b, err := EncodeValue("21.5", "f32le", 1, 20)
		require.NoError(t, err)
		v, err := DecodeValue(b, "f32le", 1, 20)
		require.NoError(t, err)
		require.Equal(t, "21.5", v)
	})

	t.Run("ascii", func(t *testing.T) {
		t.Parallel()
		b, err := EncodeValue("hello", "ascii", 0, 0)
		require.NoError(t, err)
		require.Equal(t, append([]byte("hello"), 0), b)
		v, err := DecodeValue(append(b, 'x'), "ascii", 0, 0)
		require.NoError(t, err)
		require.Equal(t, "hello", v)
	})

	t.Run("unsupported codec", func(t *testing.T) {
		t.Parallel()
		_, err := EncodeValue("1", "u64be", 1, 0)
		require.Error(t, err)
	})
}
