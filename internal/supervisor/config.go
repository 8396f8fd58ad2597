//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/silverwing-labs/raptord/internal/raptorconfig"
	"github.com/silverwing-labs/raptord/internal/service"
	"github.com/silverwing-labs/raptord/pkg/jsonx"
)

const (
	defaultLogDir  = "/tmp/pyraptord/logs"
	defaultLogFile = "pyraptord_${unique}.txt"
	defaultPIDFile = "pyraptord_pid.txt"
)

// portsFile is the fixed-shape document named by the config's PORTS field;
// unlike SERVICES/GROUPS it is a known DTO, so it is decoded strictly.
type portsFile map[string]portEntry

type portEntry struct {
	RPC int `json:"rpc"`
}

func loadConfigFile(path string) (*raptorconfig.Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	tree, err := raptorconfig.Parse(raw)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func loadPorts(path string) (portsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ports file %s: %w", path, err)
	}
	defer f.Close()
	var pf portsFile
	if err := jsonx.ParseJSONObject(f, &pf); err != nil {
		return nil, fmt.Errorf("parsing ports file %s: %w", path, err)
	}
	return pf, nil
}

// stringField returns the dotted config field as a string, falling back to
// def if the field is absent or not a string.
func stringField(tree *raptorconfig.Tree, path, def string) string {
	v, err := tree.Get(path)
	if err != nil {
		return def
	}
	s, ok := raptorconfig.AsString(v)
	if !ok {
		return def
	}
	return s
}

// startupGroup returns the ordered service names under GROUPS.startup, or
// nil if no such group exists.
func startupGroup(tree *raptorconfig.Tree) []string {
	v, err := tree.Get("GROUPS.startup")
	if err != nil {
		return nil
	}
	arr, ok := raptorconfig.AsArray(v)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := raptorconfig.AsString(e); ok {
			names = append(names, s)
		}
	}
	return names
}

// serviceConfigFunc resolves a service.Config by re-reading the live config
// tree under SERVICES.<name> on every call — so a restart started after a
// loadConfig picks up the new fields, per the Open Question decision
// recorded in DESIGN.md.
func serviceConfigFunc(sup *Supervisor, name string) service.ConfigFunc {
	return func() (service.Config, error) {
		sup.mu.RLock()
		tree := sup.config
		sup.mu.RUnlock()

		v, err := tree.Get("SERVICES." + name)
		if err != nil {
			return service.Config{}, fmt.Errorf("no config for service %q", name)
		}
		obj, ok := raptorconfig.AsObject(v)
		if !ok {
			return service.Config{}, fmt.Errorf("config for service %q is not an object", name)
		}

		cfg := service.Config{Command: name}
		if s, ok := raptorconfig.AsString(obj["command"]); ok {
			cfg.Command = s
		}
		if s, ok := raptorconfig.AsString(obj["cwd"]); ok {
			cfg.Cwd = s
		}
		if s, ok := raptorconfig.AsString(obj["stdin"]); ok {
			cfg.StdinPath = s
		}
		if s, ok := raptorconfig.AsString(obj["stdout"]); ok {
			cfg.StdoutPath = s
		}

		if logVal, present := obj["log"]; present {
			if logVal == nil {
				cfg.LogDisabled = true
			} else if s, ok := raptorconfig.AsString(logVal); ok {
				cfg.LogTemplate = s
			}
		}

		if envVal, present := obj["env"]; present {
			envObj, ok := raptorconfig.AsObject(envVal)
			if !ok {
				return service.Config{}, fmt.Errorf("env for service %q is not an object", name)
			}
			cfg.Env = make(map[string]service.EnvVar, len(envObj))
			for k, v := range envObj {
				if v == nil {
					cfg.Env[k] = service.EnvVar{Unset: true}
					continue
				}
				s, ok := raptorconfig.AsString(v)
				if !ok {
					return service.Config{}, fmt.Errorf("env.%s for service %q is not a string", k, name)
				}
				cfg.Env[k] = service.EnvVar{Value: s}
			}
		}

		return cfg, nil
	}
}

// reloadConfigFile reads path and shallow-merges it into the live config
// tree, matching manager.py's loadConfig. Used both by the /rpc/loadConfig
// handler and by the optional fsnotify-driven hot-reload watch.
func (s *Supervisor) reloadConfigFile(path string) error {
	tree, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	root, ok := raptorconfig.AsObject(tree.Root())
	if !ok {
		return fmt.Errorf("config root of %s is not an object", path)
	}

	s.mu.Lock()
	s.config.Merge(root)
	s.configPath = path
	s.mu.Unlock()
	s.logEvent(fmt.Sprintf("loaded new config %s", path))
	return nil
}

func pidFilePath(logDir, pidFile string) string {
	return filepath.Join(logDir, pidFile)
}
