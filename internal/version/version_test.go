package version

import (
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if !strings.HasPrefix(info, Version+" (commit "+Commit) {
		t.Fatalf("unexpected info: %q", info)
	}
}
