package core

import (
	"strings"
	"testing"
)

func feedLine(p *LineParser, s string) {
	for i := 0; i < len(s); i++ {
		p.Feed(s[i])
	}
}

func TestLineParser(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  []string
	}{
		{"help", "HELP\n", []string{"Help!\n"}},
		{"info", "INFO\n", []string{"Info!\n"}},
		{"write with argument", "WRITE 1024\n", []string{"Write!\n"}},
		{"erase", "ERASE\n", []string{"Erase!\n"}},
		{"userapp", "USERAPP\n", []string{"User app!\n"}},
		{"unknown", "BOOT\n", []string{"Unknown command!\n"}},
		{"empty line", "\n", []string{"Unknown error!\n"}},
		{"filtered bytes", "H\x01E\xa6L\x7fP\r\n", []string{"Help!\n"}},
		{"two lines", "HELP\nERASE\n", []string{"Help!\n", "Erase!\n"}},
		{"overrun", strings.Repeat("A", LineBufferSize+1) + "\n",
			[]string{"Command buffer overrun!\n", "Unknown error!\n"}},
		{"full buffer", "HELP" + strings.Repeat("x", LineBufferSize-4) + "\n", []string{"Help!\n"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var got []string
			p := NewLineParser(DefaultLineCommands(), func(b []byte) {
				got = append(got, string(b))
			})
			feedLine(p, tc.input)

			if len(got) != len(tc.want) {
				t.Fatalf("Got replies %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Reply %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
			if p.Pending() != 0 {
				t.Errorf("Expected empty buffer, %d bytes pending", p.Pending())
			}
		})
	}
}

func TestPrintable(t *testing.T) {
	for b := 0; b < 256; b++ {
		want := (b >= 0x20 && b <= 0x7E) || b == '\n'
		if Printable(byte(b)) != want {
			t.Errorf("Printable(0x%02x) = %v", b, !want)
		}
	}
}

func TestLineCommandsSet(t *testing.T) {
	c := DefaultLineCommands()
	c.Set("HELP", func(line string) string { return "usage\n" })
	c.Set("STATUS", func(line string) string { return "ok " + line[len("STATUS"):] + "\n" })

	if r := c.Lookup("HELP"); r != "usage\n" {
		t.Errorf("HELP = %q", r)
	}
	if r := c.Lookup("STATUS 1"); r != "ok  1\n" {
		t.Errorf("STATUS = %q", r)
	}
}

func TestLineParserReset(t *testing.T) {
	var got []string
	p := NewLineParser(DefaultLineCommands(), func(b []byte) { got = append(got, string(b)) })

	feedLine(p, "HE")
	p.Reset()
	if p.Pending() != 0 {
		t.Fatalf("Expected empty buffer after reset, %d bytes pending", p.Pending())
	}

	feedLine(p, "HELP\n")
	if len(got) != 1 || got[0] != "Help!\n" {
		t.Errorf("Got replies %q", got)
	}
}
