// Package params is the parameter store: metadata, current values and
// device mappings, with validation against range and read/write metadata.
package params

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/maslabs/databridge/internal/nak"
	"github.com/maslabs/databridge/internal/store"
)

// Meta is a parameter's metadata row.
type Meta struct {
	PKey    string   `json:"pkey"`
	PType   string   `json:"ptype"`
	PID     string   `json:"pid"`
	Min     *float64 `json:"min_v"`
	Max     *float64 `json:"max_v"`
	Default *string  `json:"default_v"`
	Unit    string   `json:"unit,omitempty"`
	RW      string   `json:"rw,omitempty"` // "R", "W", "R/W" or empty
	DType   string   `json:"dtype,omitempty"`
	Name    string   `json:"name,omitempty"`
	Message string   `json:"message,omitempty"`
}

// DeviceMap is a parameter's per-device addressing record.
type DeviceMap struct {
	PKey            string   `json:"pkey"`
	LineKey         string   `json:"line_key,omitempty"`
	ZBCMessageID    *uint16  `json:"zbc_message_id,omitempty"`
	ZBCCommandID    *uint16  `json:"zbc_command_id,omitempty"`
	ZBCValueCodec   string   `json:"zbc_value_codec,omitempty"`
	ZBCScale        *float64 `json:"zbc_scale,omitempty"`
	ZBCOffset       *float64 `json:"zbc_offset,omitempty"`
	UltimateSetCmd  string   `json:"ultimate_set_cmd,omitempty"`
	UltimateGetCmd  string   `json:"ultimate_get_cmd,omitempty"`
	UltimateVarName string   `json:"ultimate_var_name,omitempty"`
}

// MetaPatch is a partial metadata update; nil fields are left unchanged.
type MetaPatch struct {
	Default *string  `json:"default_v"`
	Min     *float64 `json:"min_v"`
	Max     *float64 `json:"max_v"`
	RW      *string  `json:"rw"`
}

// Entry is a listing row including resolved values.
type Entry struct {
	Meta
	Current   *string `json:"current_v"`
	Effective string  `json:"effective_v"`
}

type Store struct {
	db    *store.DB
	clock clockwork.Clock
}

func New(db *store.DB, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, clock: clock}
}

// GetMeta returns the metadata for pkey, or nil when unknown.
func (s *Store) GetMeta(ctx context.Context, pkey string) (*Meta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pkey, ptype, pid, min_v, max_v, default_v,
		        COALESCE(unit,''), COALESCE(rw,''), COALESCE(dtype,''), COALESCE(name,''), COALESCE(message,'')
		 FROM params WHERE pkey=?`, pkey)

	var m Meta
	err := row.Scan(&m.PKey, &m.PType, &m.PID, &m.Min, &m.Max, &m.Default, &m.Unit, &m.RW, &m.DType, &m.Name, &m.Message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meta %s: %w", pkey, err)
	}
	return &m, nil
}

// GetValue returns the current value, or nil when none has been recorded.
func (s *Store) GetValue(ctx context.Context, pkey string) (*string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM param_values WHERE pkey=?`, pkey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetEffectiveValue resolves current -> default -> "0".
func (s *Store) GetEffectiveValue(ctx context.Context, pkey string) (string, error) {
	v, err := s.GetValue(ctx, pkey)
	if err != nil {
		return "", err
	}
	if v != nil {
		return *v, nil
	}
	meta, err := s.GetMeta(ctx, pkey)
	if err != nil {
		return "", err
	}
	if meta != nil && meta.Default != nil {
		return *meta.Default, nil
	}
	return "0", nil
}

// SetValue validates and upserts a peer-written value. The accepted value
// is also written into the default slot so restarts resolve to it without a
// device round trip. Returns a NAK kind on rejection.
func (s *Store) SetValue(ctx context.Context, pkey, value string) error {
	meta, err := s.GetMeta(ctx, pkey)
	if err != nil {
		return err
	}
	if meta == nil {
		return nak.UnknownParam
	}
	if strings.ToUpper(strings.TrimSpace(meta.RW)) == "R" {
		return nak.ReadOnly
	}
	if err := checkRange(value, meta.Min, meta.Max); err != nil {
		return err
	}

	ts := store.TS(s.clock.Now())
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO param_values(pkey, value, updated_ts) VALUES(?,?,?)
		 ON CONFLICT(pkey) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts`,
		pkey, value, ts); err != nil {
		return fmt.Errorf("upsert value %s: %w", pkey, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE params SET default_v=?, updated_ts=? WHERE pkey=?`, value, ts, pkey); err != nil {
		return fmt.Errorf("update default %s: %w", pkey, err)
	}
	return nil
}

// ApplyDeviceValue records a device-reported value. Unlike SetValue the rw
// flag is not checked; read-only status parameters arrive this way.
func (s *Store) ApplyDeviceValue(ctx context.Context, pkey, value string) error {
	meta, err := s.GetMeta(ctx, pkey)
	if err != nil {
		return err
	}
	if meta == nil {
		return nak.UnknownParam
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO param_values(pkey, value, updated_ts) VALUES(?,?,?)
		 ON CONFLICT(pkey) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts`,
		pkey, value, store.TS(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("apply device value %s: %w", pkey, err)
	}
	return nil
}

// ValidateWrite runs the SetValue checks without writing.
func (s *Store) ValidateWrite(ctx context.Context, pkey, value string) error {
	meta, err := s.GetMeta(ctx, pkey)
	if err != nil {
		return err
	}
	if meta == nil {
		return nak.UnknownParam
	}
	if strings.ToUpper(strings.TrimSpace(meta.RW)) == "R" {
		return nak.ReadOnly
	}
	return checkRange(value, meta.Min, meta.Max)
}

// UpdateMeta applies a partial metadata edit with consistency checks.
func (s *Store) UpdateMeta(ctx context.Context, pkey string, patch MetaPatch) error {
	meta, err := s.GetMeta(ctx, pkey)
	if err != nil {
		return err
	}
	if meta == nil {
		return nak.UnknownParam
	}

	newMin, newMax, newDef := meta.Min, meta.Max, meta.Default
	newRW := meta.RW
	if patch.Min != nil {
		newMin = patch.Min
	}
	if patch.Max != nil {
		newMax = patch.Max
	}
	if patch.Default != nil {
		newDef = patch.Default
	}
	if patch.RW != nil {
		rw := strings.ToUpper(strings.TrimSpace(*patch.RW))
		switch rw {
		case "RW", "R_W", "R/W":
			rw = "R/W"
		case "R", "W", "":
		default:
			return nak.BadRW
		}
		newRW = rw
	}

	if newMin != nil && newMax != nil && *newMin > *newMax {
		return nak.MinGreaterThanMax
	}
	if newDef != nil {
		if f, err := strconv.ParseFloat(*newDef, 64); err == nil {
			if (newMin != nil && f < *newMin) || (newMax != nil && f > *newMax) {
				return nak.DefaultOutOfRange
			}
		}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE params SET default_v=?, min_v=?, max_v=?, rw=?, updated_ts=? WHERE pkey=?`,
		nullStr(newDef), nullFloat(newMin), nullFloat(newMax), emptyNull(newRW), store.TS(s.clock.Now()), pkey)
	if err != nil {
		return fmt.Errorf("update meta %s: %w", pkey, err)
	}
	return nil
}

// Upsert inserts or replaces a parameter's metadata row.
func (s *Store) Upsert(ctx context.Context, m Meta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO params(pkey, ptype, pid, min_v, max_v, default_v, unit, rw, dtype, name, message, updated_ts)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(pkey) DO UPDATE SET
		   ptype=excluded.ptype, pid=excluded.pid, min_v=excluded.min_v, max_v=excluded.max_v,
		   default_v=excluded.default_v, unit=excluded.unit, rw=excluded.rw, dtype=excluded.dtype,
		   name=excluded.name, message=excluded.message, updated_ts=excluded.updated_ts`,
		m.PKey, m.PType, m.PID, nullFloat(m.Min), nullFloat(m.Max), nullStr(m.Default),
		emptyNull(m.Unit), emptyNull(m.RW), emptyNull(m.DType), emptyNull(m.Name), emptyNull(m.Message),
		store.TS(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("upsert meta %s: %w", m.PKey, err)
	}
	return nil
}

// GetDeviceMap returns the device mapping for pkey; a zero-value mapping is
// returned when no row exists so callers fall back to per-field defaults.
func (s *Store) GetDeviceMap(ctx context.Context, pkey string) (DeviceMap, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pkey, COALESCE(line_key,''), zbc_message_id, zbc_command_id, COALESCE(zbc_value_codec,''),
		        zbc_scale, zbc_offset,
		        COALESCE(ultimate_set_cmd,''), COALESCE(ultimate_get_cmd,''), COALESCE(ultimate_var_name,'')
		 FROM param_device_map WHERE pkey=?`, pkey)

	var (
		m          DeviceMap
		msgID, cmd sql.NullInt64
	)
	err := row.Scan(&m.PKey, &m.LineKey, &msgID, &cmd, &m.ZBCValueCodec,
		&m.ZBCScale, &m.ZBCOffset, &m.UltimateSetCmd, &m.UltimateGetCmd, &m.UltimateVarName)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceMap{PKey: pkey}, nil
	}
	if err != nil {
		return DeviceMap{}, fmt.Errorf("get device map %s: %w", pkey, err)
	}
	if msgID.Valid {
		v := uint16(msgID.Int64)
		m.ZBCMessageID = &v
	}
	if cmd.Valid {
		v := uint16(cmd.Int64)
		m.ZBCCommandID = &v
	}
	return m, nil
}

// UpsertDeviceMap inserts or replaces a parameter's device mapping.
func (s *Store) UpsertDeviceMap(ctx context.Context, m DeviceMap) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO param_device_map(pkey, line_key, zbc_message_id, zbc_command_id, zbc_value_codec,
		   zbc_scale, zbc_offset, ultimate_set_cmd, ultimate_get_cmd, ultimate_var_name, updated_ts)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(pkey) DO UPDATE SET
		   line_key=excluded.line_key, zbc_message_id=excluded.zbc_message_id,
		   zbc_command_id=excluded.zbc_command_id, zbc_value_codec=excluded.zbc_value_codec,
		   zbc_scale=excluded.zbc_scale, zbc_offset=excluded.zbc_offset,
		   ultimate_set_cmd=excluded.ultimate_set_cmd, ultimate_get_cmd=excluded.ultimate_get_cmd,
		   ultimate_var_name=excluded.ultimate_var_name, updated_ts=excluded.updated_ts`,
		m.PKey, emptyNull(m.LineKey), nullU16(m.ZBCMessageID), nullU16(m.ZBCCommandID), emptyNull(m.ZBCValueCodec),
		nullFloat(m.ZBCScale), nullFloat(m.ZBCOffset),
		emptyNull(m.UltimateSetCmd), emptyNull(m.UltimateGetCmd), emptyNull(m.UltimateVarName),
		store.TS(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("upsert device map %s: %w", m.PKey, err)
	}
	return nil
}

// List returns parameter entries filtered by ptype and a substring query
// over pkey/name/message, with current and effective values resolved.
func (s *Store) List(ctx context.Context, ptype, q string, limit, offset int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var (
		where []string
		args  []any
	)
	if ptype != "" {
		where = append(where, "ptype=?")
		args = append(args, ptype)
	}
	if q != "" {
		where = append(where, "(p.pkey LIKE ? OR name LIKE ? OR message LIKE ?)")
		pat := "%" + q + "%"
		args = append(args, pat, pat, pat)
	}
	wsql := ""
	if len(where) > 0 {
		wsql = "WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT p.pkey, p.ptype, p.pid, p.min_v, p.max_v, p.default_v,
		        COALESCE(p.unit,''), COALESCE(p.rw,''), COALESCE(p.dtype,''), COALESCE(p.name,''), COALESCE(p.message,''),
		        v.value
		 FROM params p LEFT JOIN param_values v ON v.pkey = p.pkey
		 `+wsql+`
		 ORDER BY p.ptype ASC, p.pid ASC
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.PKey, &e.PType, &e.PID, &e.Min, &e.Max, &e.Default,
			&e.Unit, &e.RW, &e.DType, &e.Name, &e.Message, &e.Current); err != nil {
			return nil, err
		}
		switch {
		case e.Current != nil:
			e.Effective = *e.Current
		case e.Default != nil:
			e.Effective = *e.Default
		default:
			e.Effective = "0"
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func checkRange(value string, min, max *float64) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil // non-numeric values are not range checked
	}
	if min != nil && f < *min {
		return nak.OutOfRange
	}
	if max != nil && f > *max {
		return nak.OutOfRange
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func emptyNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullU16(v *uint16) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
