package config

import (
	"os"

	"github.com/kkyr/fig"
	"github.com/spf13/pflag"
)

const EnvPrefix = "TELEOP"

// LoadConfig loads a configuration file into the given struct.
// The path param specifies a custom directory of the configuration file,
// with the empty value the file is looked up in the default locations.
// Reads and puts environment variables with the prefix TELEOP_.
// Params from the config should be in uppercase separated with _.
func LoadConfig(config any, path string, file string) error {
	dirs := []string{path}
	if path == "" {
		dirs = append(dirs, ".", "configs", "../../configs")
		if home, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, home+"/.teleop")
		}
	}
	return fig.Load(config, fig.File(file), fig.Dirs(dirs...), fig.UseEnv(EnvPrefix))
}

func LoadConfigEnv(config any) error {
	return fig.Load(config, fig.IgnoreFile(), fig.UseEnv(EnvPrefix))
}

// binder registers command-line flags bound to the fields of some config
// and the config directory path.
type binder func(fs *pflag.FlagSet, path *string)

// loadWithFlags parses command-line args twice: first to find out
// the config path, then, after the config has been loaded, to apply
// only the flags that were explicitly set over the loaded values.
func loadWithFlags(args []string, file string, into binder, load func(path string) (binder, error)) error {
	var path string
	pre := pflag.NewFlagSet("pre", pflag.ContinueOnError)
	into(pre, &path)
	if err := pre.Parse(args); err != nil {
		return err
	}
	final, err := load(path)
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet(file, pflag.ContinueOnError)
	final(fs, &path)
	pre.Visit(func(f *pflag.Flag) {
		set := fs.Lookup(f.Name)
		if set == nil {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			if dst, ok := set.Value.(pflag.SliceValue); ok {
				_ = dst.Replace(src.GetSlice())
				return
			}
		}
		_ = set.Value.Set(f.Value.String())
	})
	return nil
}
