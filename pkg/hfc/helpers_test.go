package hfc

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func sampleContract() Contract {
	return Contract{
		Header: Header{
			ContractID:      "c-123",
			HFCVersion:      Version,
			TemplateSlug:    "hfc.demo",
			TemplateVersion: "1.0.0",
			CreatedAt:       "2026-01-02T03:04:05Z",
			ForgedBy:        "user-1",
		},
		Gates: []Gate{
			{ID: "has-tmp", Description: "tmp exists", Operator: OperatorExists, Target: "/tmp", OnFailure: OnFailureAbort},
		},
		Bom: []BomItem{
			{ID: "dir-site", Path: "/srv/site", Mode: "0755", Description: "site directory"},
			{ID: "index", Path: "/srv/site/index.html", Content: "<h1>it's live</h1>\n", Mode: "0644", CreateParents: true},
		},
		Operations: []Operation{
			{ID: "reload", Order: 2, Type: OperationSystemctl, Description: "Reload", Command: "systemctl reload nginx"},
			{ID: "install", Order: 1, Type: OperationApt, Description: "Install", Command: "apt-get install -y nginx", Retries: 2},
		},
	}
}

// runScript executes script under bash inside dir and returns its exit code
// and combined output. Tests are skipped when bash is unavailable.
func runScript(t *testing.T, dir, script string) (int, string) {
	t.Helper()

	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	path := filepath.Join(dir, "mission.sh")
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cmd := exec.Command(bash, path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "HFC_LOG_DIR="+filepath.Join(dir, "logs"))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(out)
		}
		t.Fatalf("run script: %v", err)
	}
	return 0, string(out)
}
