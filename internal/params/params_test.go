package params

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/maslabs/databridge/internal/nak"
	"github.com/maslabs/databridge/internal/store"
)

func fp(f float64) *float64 { return &f }
func sp(s string) *string   { return &s }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, clockwork.NewFakeClock())
}

func seed(t *testing.T, s *Store, m Meta) {
	t.Helper()
	require.NoError(t, s.Upsert(context.Background(), m))
}

func TestParams_EffectiveValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "MAP0001", PType: "MAP", PID: "0001", Default: sp("0"), Min: fp(0), Max: fp(1000), RW: "R/W"})

	// no current value -> default
	v, err := s.GetEffectiveValue(ctx, "MAP0001")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	// unknown pkey, no default -> "0"
	v, err = s.GetEffectiveValue(ctx, "MAP9999")
	require.NoError(t, err)
	require.Equal(t, "0", v)

	require.NoError(t, s.SetValue(ctx, "MAP0001", "500"))
	v, err = s.GetEffectiveValue(ctx, "MAP0001")
	require.NoError(t, err)
	require.Equal(t, "500", v)
}

func TestParams_SetValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "MAP0001", PType: "MAP", PID: "0001", Default: sp("0"), Min: fp(0), Max: fp(400), RW: "R/W"})
	seed(t, s, Meta{PKey: "TTE0001", PType: "TTE", PID: "0001", RW: "R"})

	t.Run("unknown param", func(t *testing.T) {
		require.ErrorIs(t, s.SetValue(ctx, "XXX0001", "1"), nak.UnknownParam)
	})

	t.Run("read only", func(t *testing.T) {
		require.ErrorIs(t, s.SetValue(ctx, "TTE0001", "1"), nak.ReadOnly)
	})

	t.Run("out of range rejected, boundaries accepted", func(t *testing.T) {
		require.ErrorIs(t, s.SetValue(ctx, "MAP0001", "500"), nak.OutOfRange)
		require.ErrorIs(t, s.SetValue(ctx, "MAP0001", "-1"), nak.OutOfRange)
		require.NoError(t, s.SetValue(ctx, "MAP0001", "0"))
		require.NoError(t, s.SetValue(ctx, "MAP0001", "400"))
	})

	t.Run("accepted write also moves the default", func(t *testing.T) {
		require.NoError(t, s.SetValue(ctx, "MAP0001", "123"))
		meta, err := s.GetMeta(ctx, "MAP0001")
		require.NoError(t, err)
		require.NotNil(t, meta.Default)
		require.Equal(t, "123", *meta.Default)
	})

	t.Run("non-numeric values skip range check", func(t *testing.T) {
		require.NoError(t, s.SetValue(ctx, "MAP0001", "auto"))
	})
}

func TestParams_ApplyDeviceValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "TTE0001", PType: "TTE", PID: "0001", RW: "R"})

	// device-sourced values bypass the rw check
	require.NoError(t, s.ApplyDeviceValue(ctx, "TTE0001", "7"))
	v, err := s.GetValue(ctx, "TTE0001")
	require.NoError(t, err)
	require.Equal(t, "7", *v)

	require.ErrorIs(t, s.ApplyDeviceValue(ctx, "ZZZ0001", "7"), nak.UnknownParam)
}

func TestParams_UpdateMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "MAP0001", PType: "MAP", PID: "0001", Default: sp("5"), Min: fp(0), Max: fp(10), RW: "R/W"})

	t.Run("bad rw", func(t *testing.T) {
		require.ErrorIs(t, s.UpdateMeta(ctx, "MAP0001", MetaPatch{RW: sp("X")}), nak.BadRW)
	})

	t.Run("rw aliases normalize", func(t *testing.T) {
		require.NoError(t, s.UpdateMeta(ctx, "MAP0001", MetaPatch{RW: sp("rw")}))
		meta, err := s.GetMeta(ctx, "MAP0001")
		require.NoError(t, err)
		require.Equal(t, "R/W", meta.RW)
	})

	t.Run("min greater than max", func(t *testing.T) {
		require.ErrorIs(t, s.UpdateMeta(ctx, "MAP0001", MetaPatch{Min: fp(20)}), nak.MinGreaterThanMax)
	})

	t.Run("default out of range", func(t *testing.T) {
		require.ErrorIs(t, s.UpdateMeta(ctx, "MAP0001", MetaPatch{Default: sp("11")}), nak.DefaultOutOfRange)
	})

	t.Run("valid partial update", func(t *testing.T) {
		require.NoError(t, s.UpdateMeta(ctx, "MAP0001", MetaPatch{Max: fp(100), Default: sp("50")}))
		meta, err := s.GetMeta(ctx, "MAP0001")
		require.NoError(t, err)
		require.Equal(t, float64(100), *meta.Max)
		require.Equal(t, "50", *meta.Default)
	})

	t.Run("unknown param", func(t *testing.T) {
		require.ErrorIs(t, s.UpdateMeta(ctx, "NOPE0001", MetaPatch{}), nak.UnknownParam)
	})
}

func TestParams_DeviceMap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "TTP00002", PType: "TTP", PID: "00002", Default: sp("0")})

	// absent mapping returns a zero-value record
	m, err := s.GetDeviceMap(ctx, "TTP00002")
	require.NoError(t, err)
	require.Nil(t, m.ZBCCommandID)

	cmd := uint16(0x0042)
	msg := uint16(0x500A)
	require.NoError(t, s.UpsertDeviceMap(ctx, DeviceMap{
		PKey: "TTP00002", ZBCMessageID: &msg, ZBCCommandID: &cmd,
		ZBCValueCodec: "u16le", ZBCScale: fp(0.1),
	}))

	m, err = s.GetDeviceMap(ctx, "TTP00002")
	require.NoError(t, err)
	require.Equal(t, uint16(0x0042), *m.ZBCCommandID)
	require.Equal(t, uint16(0x500A), *m.ZBCMessageID)
	require.Equal(t, 0.1, *m.ZBCScale)
}

func TestParams_List(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	seed(t, s, Meta{PKey: "MAP0001", PType: "MAP", PID: "0001", Default: sp("0"), Name: "conveyor speed"})
	seed(t, s, Meta{PKey: "TTP00002", PType: "TTP", PID: "00002", Default: sp("50")})
	require.NoError(t, s.ApplyDeviceValue(ctx, "TTP00002", "60"))

	all, err := s.List(ctx, "", "", 100, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	ttp, err := s.List(ctx, "TTP", "", 100, 0)
	require.NoError(t, err)
	require.Len(t, ttp, 1)
	require.Equal(t, "60", ttp[0].Effective)
	require.Equal(t, "60", *ttp[0].Current)

	byName, err := s.List(ctx, "", "conveyor", 100, 0)
	require.NoError(t, err)
	require.Len(t, byName, 1)
	require.Equal(t, "MAP0001", byName[0].PKey)
	require.Equal(t, "0", byName[0].Effective)
}
