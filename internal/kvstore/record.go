package kvstore

import (
	"fmt"
	"strconv"
	"time"
)

// Record is a flat string map with typed accessors. Entity codecs build and
// parse records through it so every package serializes timestamps and
// numbers the same way.
type Record map[string]string

// Str returns the raw field value.
func (r Record) Str(field string) string {
	return r[field]
}

// Int parses an integer field. Missing fields are zero.
func (r Record) Int(field string) (int64, error) {
	raw := r[field]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return v, nil
}

// Uint parses an unsigned integer field. Missing fields are zero.
func (r Record) Uint(field string) (uint64, error) {
	raw := r[field]
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return v, nil
}

// Bool parses a boolean field. Missing fields are false.
func (r Record) Bool(field string) (bool, error) {
	raw := r[field]
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("field %s: %w", field, err)
	}
	return v, nil
}

// Seconds parses a duration stored as whole seconds.
func (r Record) Seconds(field string) (time.Duration, error) {
	v, err := r.Int(field)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}

// Time parses a unix-seconds timestamp. Missing fields are the zero time.
func (r Record) Time(field string) (time.Time, error) {
	raw := r[field]
	if raw == "" {
		return time.Time{}, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", field, err)
	}
	return time.Unix(v, 0).UTC(), nil
}

func (r Record) SetInt(field string, v int64) {
	r[field] = strconv.FormatInt(v, 10)
}

func (r Record) SetUint(field string, v uint64) {
	r[field] = strconv.FormatUint(v, 10)
}

func (r Record) SetBool(field string, v bool) {
	r[field] = strconv.FormatBool(v)
}

func (r Record) SetSeconds(field string, d time.Duration) {
	r.SetInt(field, int64(d/time.Second))
}

// SetTime stores t as unix seconds; the zero time removes the field.
func (r Record) SetTime(field string, t time.Time) {
	if t.IsZero() {
		delete(r, field)
		return
	}
	r.SetInt(field, t.Unix())
}
