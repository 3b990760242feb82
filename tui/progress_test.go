// progress_test.go - Tests for the transfer progress view.

package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type recorder struct {
	msgs []tea.Msg
}

func (r *recorder) Send(msg tea.Msg) {
	r.msgs = append(r.msgs, msg)
}

func TestProgressModel(t *testing.T) {
	m := NewProgressModel("D7200-SN3012345")
	m.Update(StatusMsg{Phase: PhaseCatalog, Text: "1,204 objects"})
	if v := m.View(); !strings.Contains(v, string(PhaseCatalog)) || !strings.Contains(v, "1,204 objects") {
		t.Fatalf("status missing from view:\n%s", v)
	}

	m.Update(FileProgressMsg{Name: "DSC_0001.NEF", Received: 512, Total: 2048})
	if v := m.View(); !strings.Contains(v, "DSC_0001.NEF") || !strings.Contains(v, "512 B/2.0 KiB") {
		t.Fatalf("file progress missing from view:\n%s", v)
	}
	m.Update(FileProgressMsg{Name: "DSC_0001.NEF", Received: 2048, Total: 2048})
	m.Update(FileProgressMsg{Name: "DSC_0002.NEF", Received: 1024, Total: 1024})
	if m.files != 2 || m.bytes != 3072 {
		t.Fatalf("files = %d, bytes = %d", m.files, m.bytes)
	}

	_, cmd := m.Update(DoneMsg{Files: 2, Bytes: 3072, Elapsed: 3 * time.Second})
	if cmd == nil {
		t.Fatalf("DoneMsg did not quit")
	}
	if !m.Done() || m.Result().Files != 2 {
		t.Fatalf("result = %+v", m.Result())
	}
	if v := m.View(); !strings.Contains(v, "2 file(s), 3.0 KiB in 3.0s") {
		t.Fatalf("summary missing from view:\n%s", v)
	}
}

func TestProgressModel_Error(t *testing.T) {
	m := NewProgressModel("")
	m.Update(DoneMsg{Error: errors.New("camera went away")})
	if v := m.View(); !strings.Contains(v, "camera went away") {
		t.Fatalf("error missing from view:\n%s", v)
	}
}

func TestReporter(t *testing.T) {
	rec := &recorder{}
	r := NewReporter(rec)
	r.interval = time.Hour

	r.Progress("DSC_0001.NEF", 100, 1000)
	r.Progress("DSC_0001.NEF", 200, 1000)
	r.Progress("DSC_0001.NEF", 1000, 1000)
	if len(rec.msgs) != 2 {
		t.Fatalf("sent %d messages, want 2 (first and final)", len(rec.msgs))
	}
	if got := rec.msgs[1].(FileProgressMsg); got.Received != 1000 {
		t.Fatalf("final message = %+v", got)
	}

	r.Status(PhaseRealtime, "")
	if _, ok := rec.msgs[2].(StatusMsg); !ok {
		t.Fatalf("status message = %T", rec.msgs[2])
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 5*time.Minute, "2h5m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
