package directory

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The published roster is a CSV export of the shared device sheet. Column
// positions are fixed by the sheet layout, not by header names.
const (
	colDeviceID = 1 // B
	colLocation = 3 // D
	colMessage  = 4 // E
	colCooldown = 7 // H, seconds
	colChannel  = 8 // I

	rosterMinColumns = colChannel + 1
)

var rosterClient = &http.Client{Timeout: 15 * time.Second}

func fetchRoster(ctx context.Context, url string) ([]Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := rosterClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster fetch: unexpected status %s", resp.Status)
	}
	return parseRoster(resp.Body)
}

func parseRoster(r io.Reader) ([]Device, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var devices []Device
	row := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("roster parse: %w", err)
		}
		row++
		// First row is the sheet header.
		if row == 1 {
			continue
		}
		if len(rec) < rosterMinColumns {
			continue
		}
		id := strings.TrimSpace(rec[colDeviceID])
		if id == "" {
			continue
		}

		cooldown := 60 * time.Second
		if secs, err := strconv.Atoi(strings.TrimSpace(rec[colCooldown])); err == nil && secs >= 0 {
			cooldown = time.Duration(secs) * time.Second
		}

		devices = append(devices, Device{
			ID:       id,
			Location: strings.TrimSpace(rec[colLocation]),
			Message:  strings.TrimSpace(rec[colMessage]),
			Cooldown: cooldown,
			Channel:  strings.TrimSpace(rec[colChannel]),
		})
	}
	return devices, nil
}
