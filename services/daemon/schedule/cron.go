// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronSpec is the parsed form of the minimal cron dialect photond supports.
//
// Only minute and hour carry information; the day-of-month, month and
// day-of-week fields must be "*". Supported shapes:
//
//	* * * * *      every minute
//	*/N * * * *    every N minutes (0/N is accepted as an alias)
//	M * * * *      minute M of every hour
//	M H * * *      daily at H:M, rolling to the next day when passed
//
// Anything else is rejected at schedule time rather than silently defaulted.
type CronSpec struct {
	minute int // -1 means every minute
	hour   int // -1 means every hour
	everyN int // 0 means no interval form
}

// ParseCron parses expr into a CronSpec.
func ParseCron(expr string) (CronSpec, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return CronSpec{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}
	for _, f := range fields[2:] {
		if f != "*" {
			return CronSpec{}, fmt.Errorf("%w: day/month fields must be \"*\"", ErrInvalidCron)
		}
	}

	minuteField, hourField := fields[0], fields[1]

	// Interval form: */N or 0/N in the minute field.
	if base, step, ok := strings.Cut(minuteField, "/"); ok {
		if base != "*" && base != "0" {
			return CronSpec{}, fmt.Errorf("%w: unsupported minute base %q", ErrInvalidCron, base)
		}
		if hourField != "*" {
			return CronSpec{}, fmt.Errorf("%w: interval minutes require hour \"*\"", ErrInvalidCron)
		}
		n, err := strconv.Atoi(step)
		if err != nil || n < 1 || n > 59 {
			return CronSpec{}, fmt.Errorf("%w: minute interval %q out of range", ErrInvalidCron, step)
		}
		return CronSpec{minute: -1, hour: -1, everyN: n}, nil
	}

	spec := CronSpec{minute: -1, hour: -1}
	if minuteField != "*" {
		m, err := strconv.Atoi(minuteField)
		if err != nil || m < 0 || m > 59 {
			return CronSpec{}, fmt.Errorf("%w: minute %q out of range", ErrInvalidCron, minuteField)
		}
		spec.minute = m
	}
	if hourField != "*" {
		if spec.minute < 0 {
			return CronSpec{}, fmt.Errorf("%w: fixed hour requires a fixed minute", ErrInvalidCron)
		}
		h, err := strconv.Atoi(hourField)
		if err != nil || h < 0 || h > 23 {
			return CronSpec{}, fmt.Errorf("%w: hour %q out of range", ErrInvalidCron, hourField)
		}
		spec.hour = h
	}
	return spec, nil
}

// Next returns the first firing time strictly after from.
func (s CronSpec) Next(from time.Time) time.Time {
	base := from.Truncate(time.Minute)

	switch {
	case s.everyN > 0:
		next := base.Add(time.Minute)
		for next.Minute()%s.everyN != 0 {
			next = next.Add(time.Minute)
		}
		return next

	case s.minute < 0:
		// Every minute.
		return base.Add(time.Minute)

	case s.hour < 0:
		// Fixed minute, every hour.
		next := time.Date(base.Year(), base.Month(), base.Day(), base.Hour(), s.minute, 0, 0, base.Location())
		if !next.After(from) {
			next = next.Add(time.Hour)
		}
		return next

	default:
		// Fixed minute and hour, rolling to the next day when passed.
		next := time.Date(base.Year(), base.Month(), base.Day(), s.hour, s.minute, 0, 0, base.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	}
}
