package cmd

import (
	"strings"
	"testing"
)

func TestQuotaHint(t *testing.T) {
	if strings.Contains(quotaHint, "appids rm") {
		t.Errorf("quota hint suggests deleting App IDs: %q", quotaHint)
	}
	for name, msg := range map[string]string{
		"sign":      quotaHint,
		"appids rm": appIDsRemoveCmd.Long,
	} {
		if !strings.Contains(msg, slotNotFreed) {
			t.Errorf("%s message %q does not say deleted App IDs keep their slot", name, msg)
		}
	}
}
