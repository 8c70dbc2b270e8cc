package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	Reset()
	t.Cleanup(Reset)
	return home
}

func mustDir(t *testing.T, fn func() (string, error)) string {
	t.Helper()
	dir, err := fn()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return dir
}

func TestLayouts(t *testing.T) {
	tests := []struct {
		name       string
		legacyDir  bool
		legacyFile bool
		xdg        map[string]string
		wantConfig func(home string) string
		wantData   func(home string) string
		wantState  func(home string) string
		wantLegacy bool
	}{
		{
			name:       "fresh install defaults to flat dir",
			wantConfig: func(h string) string { return filepath.Join(h, ".toolgate") },
			wantData:   func(h string) string { return filepath.Join(h, ".toolgate") },
			wantState:  func(h string) string { return filepath.Join(h, ".toolgate") },
			wantLegacy: true,
		},
		{
			name:       "existing flat dir wins over XDG",
			legacyDir:  true,
			xdg:        map[string]string{"XDG_CONFIG_HOME": "cfg"},
			wantConfig: func(h string) string { return filepath.Join(h, ".toolgate") },
			wantData:   func(h string) string { return filepath.Join(h, ".toolgate") },
			wantState:  func(h string) string { return filepath.Join(h, ".toolgate") },
			wantLegacy: true,
		},
		{
			name:       "all XDG vars",
			xdg:        map[string]string{"XDG_CONFIG_HOME": "cfg", "XDG_DATA_HOME": "data", "XDG_STATE_HOME": "state"},
			wantConfig: func(h string) string { return filepath.Join(h, "cfg", "toolgate") },
			wantData:   func(h string) string { return filepath.Join(h, "data", "toolgate") },
			wantState:  func(h string) string { return filepath.Join(h, "state", "toolgate") },
		},
		{
			name:       "partial XDG fills defaults",
			xdg:        map[string]string{"XDG_CONFIG_HOME": "cfg"},
			wantConfig: func(h string) string { return filepath.Join(h, "cfg", "toolgate") },
			wantData:   func(h string) string { return filepath.Join(h, ".local", "share", "toolgate") },
			wantState:  func(h string) string { return filepath.Join(h, ".local", "state", "toolgate") },
		},
		{
			name:       "file named .toolgate is not a legacy dir",
			legacyFile: true,
			xdg:        map[string]string{"XDG_CONFIG_HOME": "cfg"},
			wantConfig: func(h string) string { return filepath.Join(h, "cfg", "toolgate") },
			wantData:   func(h string) string { return filepath.Join(h, ".local", "share", "toolgate") },
			wantState:  func(h string) string { return filepath.Join(h, ".local", "state", "toolgate") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setupTestHome(t)
			if tt.legacyDir {
				if err := os.MkdirAll(filepath.Join(home, ".toolgate"), 0755); err != nil {
					t.Fatal(err)
				}
			}
			if tt.legacyFile {
				if err := os.WriteFile(filepath.Join(home, ".toolgate"), []byte("x"), 0644); err != nil {
					t.Fatal(err)
				}
			}
			for k, v := range tt.xdg {
				t.Setenv(k, filepath.Join(home, v))
			}
			Reset()

			if got, want := mustDir(t, ConfigDir), tt.wantConfig(home); got != want {
				t.Errorf("ConfigDir = %q, want %q", got, want)
			}
			if got, want := mustDir(t, DataDir), tt.wantData(home); got != want {
				t.Errorf("DataDir = %q, want %q", got, want)
			}
			if got, want := mustDir(t, StateDir), tt.wantState(home); got != want {
				t.Errorf("StateDir = %q, want %q", got, want)
			}
			if IsLegacyLayout() != tt.wantLegacy {
				t.Errorf("IsLegacyLayout = %v, want %v", IsLegacyLayout(), tt.wantLegacy)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	home := setupTestHome(t)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(home, ".local", "state"))
	Reset()

	cfg := mustDir(t, ConfigFilePath)
	if want := filepath.Join(home, ".config", "toolgate", "toolgate.yaml"); cfg != want {
		t.Errorf("ConfigFilePath = %q, want %q", cfg, want)
	}
	env := mustDir(t, EnvFilePath)
	if want := filepath.Join(home, ".config", "toolgate", ".env"); env != want {
		t.Errorf("EnvFilePath = %q, want %q", env, want)
	}
	logs := mustDir(t, LogsDir)
	if want := filepath.Join(home, ".local", "state", "toolgate", "logs"); logs != want {
		t.Errorf("LogsDir = %q, want %q", logs, want)
	}
	backups := mustDir(t, BackupsDir)
	if want := filepath.Join(home, ".local", "share", "toolgate", "backups"); backups != want {
		t.Errorf("BackupsDir = %q, want %q", backups, want)
	}
}

func TestResetClearsCache(t *testing.T) {
	home := setupTestHome(t)

	if got := mustDir(t, ConfigDir); got != filepath.Join(home, ".toolgate") {
		t.Fatalf("ConfigDir = %q", got)
	}

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "elsewhere"))
	if got := mustDir(t, ConfigDir); got != filepath.Join(home, ".toolgate") {
		t.Errorf("cached ConfigDir changed before Reset: %q", got)
	}

	Reset()
	if got, want := mustDir(t, ConfigDir), filepath.Join(home, "elsewhere", "toolgate"); got != want {
		t.Errorf("ConfigDir after Reset = %q, want %q", got, want)
	}
}
