package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/config"
	"github.com/dshills/prefstore/internal/engine"
	"github.com/dshills/prefstore/internal/watcher"
)

func (c *cli) getCmd() *cobra.Command {
	var field string
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print the stored value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				v, ok := e.Store().Read(key)
				if !ok {
					return fmt.Errorf("%w: %s", errNotSet, key)
				}
				if field != "" {
					r := gjson.Get(v, field)
					if !r.Exists() {
						return fmt.Errorf("%w: %s in %s", errNoField, field, key)
					}
					v = r.Raw
				}
				c.printf("%s\n", v)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&field, "field", "f", "", "Print only this field of the value (gjson path)")
	return cmd
}

func (c *cli) setCmd() *cobra.Command {
	var field string
	var asString bool
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a value under a key",
		Long: `Store a value under a key.

VALUE is stored as JSON. Text that is not valid JSON, or any text when
--string is given, is stored as a JSON string. With --field only that
field of the existing value is replaced.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, raw := args[0], jsonValue(args[1], asString)
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				value := raw
				if field != "" {
					current, ok := e.Store().Read(key)
					if !ok {
						current = "{}"
					}
					updated, err := sjson.SetRaw(current, field, raw)
					if err != nil {
						return fmt.Errorf("setting %s in %s: %w", field, key, err)
					}
					value = updated
				}
				return e.Manager().Coalescer().WriteNow(key, value)
			})
		},
	}
	cmd.Flags().StringVarP(&field, "field", "f", "", "Replace only this field of the value (sjson path)")
	cmd.Flags().BoolVarP(&asString, "string", "s", false, "Always store VALUE as a JSON string")
	return cmd
}

// jsonValue returns s if it is JSON, otherwise s encoded as a JSON string.
func jsonValue(s string, forceString bool) string {
	if !forceString && json.Valid([]byte(s)) {
		return s
	}
	b, _ := json.Marshal(s)
	return string(b)
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete KEY...",
		Aliases: []string{"rm"},
		Short:   "Remove keys from the backend",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				for _, key := range args {
					if err := e.Manager().Coalescer().Delete(key); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var asJSON, settings bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored keys and values",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				if settings {
					return c.listSettings(e)
				}
				return c.listKeys(e, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object of every key")
	cmd.Flags().BoolVar(&settings, "settings", false, "List the settings prefsctl knows about with their current values")
	return cmd
}

func (c *cli) listKeys(e *engine.Engine, asJSON bool) error {
	keys, err := e.Store().Keys()
	if err != nil {
		return err
	}

	kinds := make(map[string]string)
	for _, d := range catalog.Declarations() {
		kinds[d.Key] = d.Kind.String()
	}

	if asJSON {
		doc := "{}"
		for _, key := range keys {
			v, ok := e.Store().Read(key)
			if !ok {
				continue
			}
			if gjson.Valid(v) {
				doc, err = sjson.SetRaw(doc, escapePath(key), v)
			} else {
				doc, err = sjson.Set(doc, escapePath(key), v)
			}
			if err != nil {
				return err
			}
		}
		c.printf("%s\n", doc)
		return nil
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tKIND\tVALUE")
	for _, key := range keys {
		v, _ := e.Store().Read(key)
		kind := kinds[key]
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", key, kind, v)
	}
	return tw.Flush()
}

func (c *cli) listSettings(e *engine.Engine) error {
	initErr := e.InitializeAll()

	c.outMu.Lock()
	defer c.outMu.Unlock()
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tKIND\tDEFAULT\tVALUE")
	for _, entry := range e.Manager().All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%v\n",
			entry.Key(), entry.DisplayName(), entry.Kind(), entry.IsDefault(), entry.Current())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return initErr
}

// escapePath escapes characters gjson and sjson treat as path syntax.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *cli) watchCmd() *cobra.Command {
	var includeSelf bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print backend changes until interrupted",
		Long: `Print backend changes until interrupted.

File backends are watched with filesystem notifications; other backends
are polled. Each line shows the origin, the key and the new value.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mutate := func(cfg *config.Config) {
				cfg.Watch.Enabled = true
				if interval > 0 {
					cfg.Watch.Interval = config.Duration(interval)
				}
			}
			return c.withEngine(cmd, mutate, func(e *engine.Engine) error {
				sub, err := e.Subscribe(func(ch watcher.Change) {
					value := ch.Value
					if ch.Deleted {
						value = "<deleted>"
					}
					c.printf("%s\t%s\t%s\t%s\n", ch.Time.Format(time.TimeOnly), ch.Origin, ch.Key, value)
				}, includeSelf)
				if err != nil {
					return err
				}
				defer sub.Unsubscribe()

				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeSelf, "self", false, "Also print changes written by this process")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Polling interval for backends without notifications")
	return cmd
}

func (c *cli) initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file",
		Long: `Write a configuration file with the built-in defaults, adjusted by
--app, --backend, --path and --log-level. The file goes to --config or
the default location; its extension selects TOML or YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.flags.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			c.applyFlags(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			c.printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func (c *cli) resetAllCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "reset-all",
		Short: "Reset every known setting to its default",
		Long: `Reset every setting prefsctl knows about to its default, removing its
backend entry. With --purge every other key under the application root
is removed as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				// Malformed entries are about to be removed anyway.
				_ = e.InitializeAll()

				m := e.Manager()
				if err := m.ResetAll(); err != nil {
					return err
				}
				n := len(m.All())

				if purge {
					keys, err := e.Store().Keys()
					if err != nil {
						return err
					}
					for _, key := range keys {
						if err := m.Coalescer().Delete(key); err != nil {
							return err
						}
					}
					n += len(keys)
				}
				c.printf("reset %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also remove keys prefsctl does not know about")
	return cmd
}

func (c *cli) demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Exercise typed settings against the configured backend",
		Long: `Exercise typed settings against the configured backend.

Opacity is set several times in quick succession and written once.
RecentFiles gets two files added and one removed. WindowBounds and
Thumbnail show the converters for geometry and binary values.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, nil, func(e *engine.Engine) error {
				m := e.Manager()

				op := opacity.MustGet(m)
				for _, v := range []float64{0.3, 0.6, 0.9} {
					op.Set(v)
				}

				recent := recentFiles.MustGet(m)
				recent.Clear()
				recent.Add("a.txt")
				recent.Add("b.txt")
				recent.Remove("a.txt")

				windowBounds.MustGet(m).Set(codec.Rect{X: 10, Y: 20, Width: 1024, Height: 768})
				thumbnail.MustGet(m).Set(codec.Image("\x89PNG"))

				if err := e.FlushAll(); err != nil {
					return err
				}

				for _, entry := range m.All() {
					v, _ := e.Store().Read(entry.Key())
					c.printf("%s = %s\n", entry.Key(), v)
				}
				st := m.Coalescer().Stats()
				c.printf("scheduled %d, superseded %d, written %d\n", st.Scheduled, st.Superseded, st.Written)
				return nil
			})
		},
	}
}
