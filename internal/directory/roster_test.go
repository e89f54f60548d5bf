package directory

import (
	"strings"
	"testing"
	"time"

	logx "helpbutton/pkg/logx"
)

const rosterCSV = `Row,Device ID,Owner,Location,Message,Notes,Contact,Rate Limit,Channel
1,duder-north-01,alice,North Desk,Help needed at the north desk,,x,120,C0HELPDESK
2,duder-cafe-02,bob,Cafe Counter,Barista needs a hand,,y,60,C0CAFE
3,,carol,Ghost Row,should be skipped,,z,60,C0NOPE
4,duder-short-03,dan
5,duder-badcd-04,eve,Dock,Dock help,,w,notanumber,C0DOCK
`

func TestParseRoster(t *testing.T) {
	devices, err := parseRoster(strings.NewReader(rosterCSV))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("devices = %d, want 3 (%+v)", len(devices), devices)
	}

	north := devices[0]
	if north.ID != "duder-north-01" || north.Location != "North Desk" ||
		north.Message != "Help needed at the north desk" || north.Channel != "C0HELPDESK" {
		t.Fatalf("north = %+v", north)
	}
	if north.Cooldown != 2*time.Minute {
		t.Fatalf("north cooldown = %v", north.Cooldown)
	}

	// Unparseable cooldown falls back to the default.
	bad := devices[2]
	if bad.ID != "duder-badcd-04" || bad.Cooldown != 60*time.Second {
		t.Fatalf("bad = %+v", bad)
	}
}

func TestParseRosterRejectsMalformedCSV(t *testing.T) {
	_, err := parseRoster(strings.NewReader("a,\"unterminated\n"))
	if err == nil {
		t.Fatal("want error")
	}
}

func TestLookupPrecedence(t *testing.T) {
	d := New(logx.Nop())
	d.ApplyLocal([]Device{
		{ID: "dev-a", Location: "Local Desk", Channel: "CLOCAL"},
		{ID: "dev-b", Location: "Only Local", Channel: "CLOCAL"},
	})

	// Simulate a fetched roster that also knows dev-a.
	d.mu.Lock()
	d.roster = map[string]Device{
		"dev-a": {ID: "dev-a", Location: "Sheet Desk", Channel: "CSHEET"},
	}
	d.mu.Unlock()

	dev, err := d.Lookup("dev-a")
	if err != nil || dev.Location != "Sheet Desk" {
		t.Fatalf("dev-a = %+v err=%v", dev, err)
	}
	dev, err = d.Lookup("dev-b")
	if err != nil || dev.Location != "Only Local" {
		t.Fatalf("dev-b = %+v err=%v", dev, err)
	}
	if _, err := d.Lookup("dev-c"); err != ErrUnknownDevice {
		t.Fatalf("dev-c err = %v", err)
	}
}

func TestApplyLocalReplacesRoster(t *testing.T) {
	d := New(logx.Nop())
	d.ApplyLocal([]Device{{ID: "dev-a"}})
	d.ApplyLocal([]Device{{ID: "dev-b"}, {ID: ""}})

	if _, err := d.Lookup("dev-a"); err != ErrUnknownDevice {
		t.Fatalf("dev-a err = %v", err)
	}
	if _, err := d.Lookup("dev-b"); err != nil {
		t.Fatalf("dev-b err = %v", err)
	}
}
