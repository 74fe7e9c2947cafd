package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sample = `
publisher_id: web
repository: deploy/repo
state_dir: /var/lib/snapsync/state
objects:
  type: lru
  size: 1000
  nested:
    type: file
    root: objects
replicas:
  - type: bolt
    path: replica.db
publisher:
  notify_timeout: 90s
subscriber:
  id: site1.host
  public_uri: http://www.example.com/
  publisher_url: http://publisher:8470/
log:
  level: debug
`

func TestLoad(t *testing.T) {
	t.Setenv(EnvPublisherID, "")
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "snapsync.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if c.PublisherID != "web" {
		t.Errorf("got publisher id %q, want web", c.PublisherID)
	}
	if want := filepath.Join(dir, "deploy", "repo"); c.Repository != want {
		t.Errorf("got repository %s, want %s", c.Repository, want)
	}
	if c.StateDir != "/var/lib/snapsync/state" {
		t.Errorf("got state dir %s", c.StateDir)
	}
	if c.Publisher.NotifyTimeout != 90*time.Second {
		t.Errorf("got notify timeout %s, want 90s", c.Publisher.NotifyTimeout)
	}
	if c.Subscriber.ThrottleMax != 10 || c.Subscriber.ThrottleWindow != 10*time.Second {
		t.Errorf("got throttle %d per %s, want 10 per 10s", c.Subscriber.ThrottleMax, c.Subscriber.ThrottleWindow)
	}
	if c.Objects["size"] != 1000 {
		t.Errorf("got objects size %v (%T)", c.Objects["size"], c.Objects["size"])
	}
	nested, ok := c.Objects["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested objects config is a %T", c.Objects["nested"])
	}
	if diff := cmp.Diff(map[string]interface{}{"type": "file", "root": "objects"}, nested); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	if len(c.Replicas) != 1 || c.Replicas[0]["type"] != "bolt" {
		t.Errorf("got replicas %v", c.Replicas)
	}
}

func TestEnv(t *testing.T) {
	t.Setenv(EnvPublisherID, "from-env")
	t.Setenv(EnvLogLevel, "WARN")
	t.Setenv(EnvLogFormat, "json")

	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if c.PublisherID != "from-env" {
		t.Errorf("got publisher id %q, want from-env", c.PublisherID)
	}

	buf := new(bytes.Buffer)
	logger := c.Logger(buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %s", len(lines), buf)
	}
	var rec map[string]interface{}
	if err = json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" || rec["level"] != "WARN" {
		t.Errorf("got record %v", rec)
	}
}

func TestInvalid(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")

	cases := []string{
		"log: {format: xml}",
		"log: {level: loud}",
		"objects: {root: x}",
		"replicas: [{path: x}]",
		"no_such_key: 1",
	}
	for _, text := range cases {
		path := filepath.Join(t.TempDir(), "snapsync.yaml")
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%q: got no error", text)
		}
	}
}
