package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type sample struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Port    int           `yaml:"port"`
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	return nil
}

func TestParseKeepsDefaults(t *testing.T) {
	s := sample{Name: "default", Port: 80}
	if err := Parse([]byte("timeout: 3s\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "default" || s.Port != 80 || s.Timeout != 3*time.Second {
		t.Errorf("got %+v", s)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("CONFIG_TEST_NAME", "from-env")
	s := sample{Port: 1}
	if err := Parse([]byte("name: ${CONFIG_TEST_NAME}\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "from-env" {
		t.Errorf("name = %q", s.Name)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	s := sample{Port: 1}
	if err := Parse([]byte("nmae: typo\n"), &s); err == nil {
		t.Fatal("unknown key should fail")
	}
}

func TestParseRunsValidation(t *testing.T) {
	var s sample
	err := Parse([]byte("name: x\n"), &s)
	if err == nil || !strings.Contains(err.Error(), "port must be positive") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	s := sample{Port: 5}
	if err := Parse([]byte(""), &s); err != nil {
		t.Fatalf("empty document: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var s sample
	err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &s)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}
