package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chatd/internal/config"
	"chatd/internal/sysmon"
	"chatd/pkg/types"
)

// daemon resolves the address to talk to: --addr, then the config file.
func (o *Options) daemon() *client {
	addr := o.Addr
	if addr == "" {
		if cfg, err := config.LoadOrDefault(o.ConfigPath); err == nil {
			addr = cfg.Addr
		} else {
			addr = config.DefaultAddr
		}
	}
	return newClient(addr)
}

func (o *Options) printJSON(v any) error {
	enc := json.NewEncoder(o.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Options) printf(format string, a ...any) {
	fmt.Fprintf(o.out, format, a...)
}

func newStatusCmd(o *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server state, selected model, downloads and resources",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st types.StatusResponse
			if err := o.daemon().get(cmd.Context(), "/status", &st); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(st)
			}
			o.printf("server:    %s (%s)\n", st.Server.Role, st.Server.State)
			if st.Server.LastError != "" {
				o.printf("error:     %s\n", st.Server.LastError)
			}
			o.printf("model:     %s\n", st.Model)
			o.printf("chat:      %s\n", map[bool]string{true: "busy", false: "idle"}[st.ChatBusy])
			o.printf("downloads: %d active\n", st.ActiveDownloads)
			if st.Resources != "" {
				o.printf("resources: %s\n", st.Resources)
			}
			o.printf("uptime:    %s\n", time.Duration(st.UptimeSeconds)*time.Second)
			return nil
		},
	}
}

func newSysinfoCmd(o *Options) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "sysinfo",
		Short: "Sample memory, CPU and server RSS",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s sysmon.Sample
			if local {
				cfg, err := config.LoadOrDefault(o.ConfigPath)
				if err != nil {
					return err
				}
				m := sysmon.New(sysmon.Options{ProcessNames: cfg.Sysmon.ProcessNames})
				if s, err = m.Sample(cmd.Context()); err != nil {
					return err
				}
			} else if err := o.daemon().get(cmd.Context(), "/sysinfo", &s); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(s)
			}
			o.printf("%s\n", s)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Sample in this process instead of asking the daemon")
	return cmd
}

func newModelsCmd(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model files in the models directory",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp types.ModelsResponse
			if err := o.daemon().get(cmd.Context(), "/models", &resp); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(resp)
			}
			tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tMODEL\tQUANT\tSIZE")
			for _, m := range resp.Models {
				mark := ""
				if m.Selected {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, m.ID, m.Quant, humanize.IBytes(uint64(m.SizeBytes)))
			}
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:     "select MODEL",
		Short:   "Choose the model the main server launches with",
		Example: "  chatd models select kunoichi-7b.Q6_K.gguf",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.daemon().post(cmd.Context(), "/models/select", types.SelectModelRequest{Model: args[0]}, nil); err != nil {
				return err
			}
			o.printf("selected %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newBundlesCmd(o *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "bundles",
		Short: "List the download catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp types.BundlesResponse
			if err := o.daemon().get(cmd.Context(), "/bundles", &resp); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(resp)
			}
			tw := tabwriter.NewWriter(o.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tFILES\tINSTALL\tTARGET\tDESCRIPTION")
			for _, b := range resp.Bundles {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", b.Name, len(b.URLs), b.Install, b.Target, b.Description)
			}
			return tw.Flush()
		},
	}
}

type downloadFlags struct {
	urls       []string
	install    string
	target     string
	onConflict string
	overwrite  bool
	sel        bool
	detach     bool
}

func newDownloadCmd(o *Options) *cobra.Command {
	var f downloadFlags
	cmd := &cobra.Command{
		Use:   "download [BUNDLE]",
		Short: "Download a catalog bundle or explicit URLs",
		Example: "  chatd download tinyllama-1.1b --select\n" +
			"  chatd download --url https://host/model.Q4_K_M.gguf\n" +
			"  chatd download llama-backend --on-conflict overwrite",
		Args: rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.DownloadRequest{
				Install:    f.install,
				Target:     f.target,
				OnConflict: f.onConflict,
				Overwrite:  f.overwrite,
				Select:     f.sel,
			}
			if len(args) == 1 {
				req.Bundle = args[0]
			}
			for _, u := range f.urls {
				req.Items = append(req.Items, types.DownloadItem{URL: u})
			}
			if req.Bundle == "" && len(req.Items) == 0 {
				return usageError{fmt.Errorf("give a bundle name or at least one --url")}
			}
			// "ask" would park the queue with nobody to answer from a detached CLI
			if f.detach && req.OnConflict == "" {
				req.OnConflict = "resume"
			}
			return runDownload(cmd.Context(), o, req, f.detach)
		},
	}
	cmd.Flags().StringArrayVar(&f.urls, "url", nil, "URL to download (repeatable)")
	cmd.Flags().StringVar(&f.install, "install", "", "Post-download step for --url items: none|extract|move")
	cmd.Flags().StringVar(&f.target, "target", "", "Install target for --url items: models|backend|translator|temp or a directory")
	cmd.Flags().StringVar(&f.onConflict, "on-conflict", "", "Existing partial files: ask|resume|overwrite")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "Replace occupied install destinations")
	cmd.Flags().BoolVar(&f.sel, "select", false, "Select the downloaded model when done")
	cmd.Flags().BoolVarP(&f.detach, "detach", "d", false, "Return once the queue is started")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List download queues",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp types.DownloadsResponse
				if err := o.daemon().get(cmd.Context(), "/downloads", &resp); err != nil {
					return err
				}
				if o.JSON {
					return o.printJSON(resp)
				}
				for _, st := range resp.Downloads {
					o.printf("%s\n", downloadLine(st))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "cancel ID",
			Short: "Cancel a download queue",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var st types.DownloadStatus
				if err := o.daemon().post(cmd.Context(), "/downloads/"+args[0]+"/cancel", nil, &st); err != nil {
					return err
				}
				o.printf("%s\n", downloadLine(st))
				return nil
			},
		},
		&cobra.Command{
			Use:   "resolve ID resume|overwrite|abort",
			Short: "Answer a queue waiting on an existing file",
			Args:  exactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.daemon().post(cmd.Context(), "/downloads/"+args[0]+"/resolve", types.ResolveRequest{Resolution: args[1]}, nil)
			},
		},
	)
	return cmd
}

func runDownload(ctx context.Context, o *Options, req types.DownloadRequest, detach bool) error {
	c := o.daemon()
	var st types.DownloadStatus
	if err := c.post(ctx, "/downloads", req, &st); err != nil {
		return err
	}
	if detach {
		if o.JSON {
			return o.printJSON(st)
		}
		o.printf("started %s\n", st.ID)
		return nil
	}
	asked := false
	st, err := c.follow(ctx, st.ID, 500*time.Millisecond, func(st types.DownloadStatus) {
		if !o.JSON {
			o.printf("%s\n", downloadLine(st))
		}
		if st.Conflict != nil && !asked {
			asked = true
			o.printf("%s exists (%s); answer with: chatd download resolve %s resume|overwrite|abort\n",
				st.Conflict.Path, humanize.IBytes(uint64(st.Conflict.Size)), st.ID)
		}
		if st.Conflict == nil {
			asked = false
		}
	})
	if err != nil {
		return err
	}
	if o.JSON {
		return o.printJSON(st)
	}
	if st.Status != "completed" {
		return fmt.Errorf("download %s: %s", st.Status, firstNonEmpty(st.Error, st.Message))
	}
	return nil
}

func downloadLine(st types.DownloadStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-9s", shortID(st.ID), st.Status)
	if st.Label != "" {
		fmt.Fprintf(&b, " %s", st.Label)
	}
	if st.Index > 0 && st.Index <= len(st.Files) {
		f := st.Files[st.Index-1]
		fmt.Fprintf(&b, " [%d/%d] %s %d%%", st.Index, st.Count, f.Filename, f.Percent)
		if f.Total > 0 {
			fmt.Fprintf(&b, " (%s / %s)", humanize.IBytes(uint64(f.Written)), humanize.IBytes(uint64(f.Total)))
		}
	}
	if msg := firstNonEmpty(st.Error, st.Message); msg != "" {
		fmt.Fprintf(&b, " - %s", msg)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

func newServerCmd(o *Options) *cobra.Command {
	cmd := &cobra.Command{Use: "server", Short: "Control the supervised llama server"}
	var model string
	var nowait bool
	start := &cobra.Command{
		Use:     "start [main|captioning]",
		Short:   "Start a server role and wait until it is ready",
		Example: "  chatd server start\n  chatd server start --model tinyllama-1.1b-chat-v0.3.Q4_K_M.gguf",
		Args:    rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ServerRequest{Model: model, Wait: !nowait}
			if len(args) == 1 {
				req.Role = args[0]
			}
			var st types.ServerStatus
			if err := o.daemon().post(cmd.Context(), "/server/start", req, &st); err != nil {
				return err
			}
			return o.printServer(st)
		},
	}
	start.Flags().StringVar(&model, "model", "", "Select this model file before starting main")
	start.Flags().BoolVar(&nowait, "no-wait", false, "Return without waiting for readiness")

	stop := &cobra.Command{
		Use:   "stop [main|captioning]",
		Short: "Stop a server role, or every server",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req types.ServerRequest
			if len(args) == 1 {
				req.Role = args[0]
			}
			var st types.ServerStatus
			if err := o.daemon().post(cmd.Context(), "/server/stop", req, &st); err != nil {
				return err
			}
			return o.printServer(st)
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show the supervised server",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st types.ServerStatus
			if err := o.daemon().get(cmd.Context(), "/server", &st); err != nil {
				return err
			}
			return o.printServer(st)
		},
	}
	cmd.AddCommand(start, stop, status)
	return cmd
}

func (o *Options) printServer(st types.ServerStatus) error {
	if o.JSON {
		return o.printJSON(st)
	}
	o.printf("%s %s", st.Role, st.State)
	if st.PID > 0 {
		o.printf(" pid=%d", st.PID)
	}
	if st.LogPath != "" {
		o.printf(" log=%s", st.LogPath)
	}
	o.printf("\n")
	return nil
}

func newChatCmd(o *Options) *cobra.Command {
	var image string
	var temp float64
	var maxTokens int
	cmd := &cobra.Command{
		Use:     "chat MESSAGE",
		Short:   "Send one chat turn",
		Example: "  chatd chat \"What is the capital of France?\"\n  chatd chat --image ./cat.png \"What is this?\"",
		Args:    rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ChatRequest{ImagePath: image, MaxTokens: maxTokens}
			if len(args) == 1 {
				req.Message = args[0]
			}
			if req.Message == "" && req.ImagePath == "" {
				return usageError{fmt.Errorf("give a message or --image")}
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temp
			}
			var rep types.ChatResponse
			if err := o.daemon().post(cmd.Context(), "/chat", req, &rep); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(rep)
			}
			if rep.Caption != "" {
				o.printf("[image: %s]\n", rep.Caption)
			}
			o.printf("%s\n", strings.TrimSpace(rep.Text))
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Image to caption and attach")
	cmd.Flags().Float64Var(&temp, "temperature", 0, "Sampling temperature for this turn")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token limit for this turn")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "history",
			Short: "Print the transcript",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				var tr types.TranscriptResponse
				if err := o.daemon().get(cmd.Context(), "/chat", &tr); err != nil {
					return err
				}
				if o.JSON {
					return o.printJSON(tr)
				}
				for _, e := range tr.Entries {
					line := strings.TrimSpace(e.Text)
					if e.Image != "" {
						line += " [" + e.Image + "]"
					}
					o.printf("%s: %s\n", e.Speaker, line)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "undo",
			Short: "Drop the last exchange",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				var u types.UndoResponse
				if err := o.daemon().post(cmd.Context(), "/chat/undo", nil, &u); err != nil {
					return err
				}
				o.printf("undone: %s\n", strings.TrimSpace(u.Message))
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Start a fresh conversation",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, args []string) error {
				return o.daemon().post(cmd.Context(), "/chat/clear", nil, nil)
			},
		},
		newPersonaCmd(o),
	)
	return cmd
}

func newPersonaCmd(o *Options) *cobra.Command {
	var req types.PersonaRequest
	var compact bool
	cmd := &cobra.Command{
		Use:     "persona",
		Short:   "Rename the speakers or replace the system prompt",
		Example: "  chatd chat persona --user Ada --ai Tutor",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("compact") {
				req.Compact = &compact
			}
			var tr types.TranscriptResponse
			if err := o.daemon().post(cmd.Context(), "/chat/persona", req, &tr); err != nil {
				return err
			}
			if o.JSON {
				return o.printJSON(tr)
			}
			o.printf("%s talks to %s\n", tr.UserName, tr.AIName)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.UserName, "user", "", "User speaker name")
	cmd.Flags().StringVar(&req.AIName, "ai", "", "AI speaker name")
	cmd.Flags().StringVar(&req.SystemPrompt, "system", "", "System prompt for the next cleared session")
	cmd.Flags().BoolVar(&compact, "compact", false, "Stop at the first newline")
	return cmd
}

func newConfigCmd(o *Options) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect or create the config file"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(o.ConfigPath); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to replace it", o.ConfigPath)
			}
			if err := config.Save(o.ConfigPath, config.Default()); err != nil {
				return err
			}
			o.printf("wrote %s\n", o.ConfigPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(o)
			if err != nil {
				return err
			}
			return writeConfig(o.out, cfg, format)
		},
	}
	show.Flags().StringVar(&format, "format", "yaml", "Output format: yaml|json|toml")
	cmd.AddCommand(initCmd, show)
	return cmd
}
