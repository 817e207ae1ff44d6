package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"chatbridge/internal/common/fsutil"
	"chatbridge/internal/config"
)

type chatFlags struct {
	model       string
	modelsDir   string
	engine      string
	system      string
	maxTokens   int
	temperature float64
	seed        int64
	engineOptions
}

func newChatCmd(root *rootOptions) *cobra.Command {
	f := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat [flags] <prompt>",
		Short: "Run one chat completion in-process and stream it to stdout",
		Example: "  chatbridge chat --model tinyllama-chat \"Write a haiku about the ocean\"\n" +
			"  chatbridge chat --model ./models/tiny --engine llama --max-tokens 64 \"Hi\"",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("models-dir") {
				cfg.ModelsDir = f.modelsDir
			}
			if cmd.Flags().Changed("engine") {
				cfg.Engine = f.engine
			}
			if f.model == "" {
				f.model = cfg.DefaultModel
			}
			if f.model == "" {
				return fmt.Errorf("--model is required")
			}
			req, err := f.request(cmd, strings.Join(args, " "))
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, cmd, cfg, f, req)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.model, "model", "m", "", "Model id in the models directory, or a package path")
	fl.StringVar(&f.modelsDir, "models-dir", "", "Directory of model packages")
	fl.StringVar(&f.engine, "engine", "", "Inference engine: sim|llama")
	fl.StringVar(&f.system, "system", "", "System message")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "Maximum generated tokens (0 = model default)")
	fl.Float64Var(&f.temperature, "temperature", -1, "Sampling temperature (negative = model default)")
	fl.Int64Var(&f.seed, "seed", 0, "Random seed (unset = random)")
	fl.IntVar(&f.threads, "threads", 0, "llama: prediction threads")
	fl.IntVar(&f.contextSize, "ctx-size", 0, "llama: context size")
	return cmd
}

// request builds the chat completion body for prompt.
func (f *chatFlags) request(cmd *cobra.Command, prompt string) (string, error) {
	doc := `{"stream":true}`
	var err error
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.Set(doc, path, v)
		}
	}
	i := 0
	if f.system != "" {
		set("messages.0", map[string]string{"role": "system", "content": f.system})
		i++
	}
	set(fmt.Sprintf("messages.%d", i), map[string]string{"role": "user", "content": prompt})
	if f.maxTokens > 0 {
		set("max_tokens", f.maxTokens)
	}
	if f.temperature >= 0 {
		set("temperature", f.temperature)
	}
	if cmd.Flags().Changed("seed") {
		set("seed", f.seed)
	}
	return doc, err
}

// streamPrinter is the sink of the chat command: it prints choice 0 and
// signals done at the usage chunk.
type streamPrinter struct {
	out   io.Writer
	usage string
	done  chan struct{}
	once  sync.Once
}

func (p *streamPrinter) deliver(payload string) error {
	gjson.Parse(payload).ForEach(func(_, v gjson.Result) bool {
		v.Get("choices").ForEach(func(_, c gjson.Result) bool {
			if c.Get("index").Int() == 0 {
				fmt.Fprint(p.out, c.Get("delta.content").String())
			}
			return true
		})
		if u := v.Get("usage"); u.Exists() {
			p.usage = u.Raw
			p.once.Do(func() { close(p.done) })
		}
		return true
	})
	return nil
}

func runChat(ctx context.Context, cmd *cobra.Command, cfg config.Config, f *chatFlags, req string) error {
	log, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	p := &streamPrinter{out: cmd.OutOrStdout(), done: make(chan struct{})}
	a, err := newApp(cfg, f.engineOptions, log, p.deliver, nil)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	loops := make(chan error, 1)
	go func() { loops <- a.run(runCtx) }()
	defer func() {
		cancel()
		<-loops
	}()

	if fsutil.IsDir(f.model) && strings.ContainsRune(f.model, os.PathSeparator) {
		err = a.reloadPath(cfg, f.model)
	} else {
		err = a.reloadModel(cfg, f.model)
	}
	if err != nil {
		return err
	}

	id := "chatcmpl-" + uuid.NewString()
	if err := a.Submit(req, id); err != nil {
		return err
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = a.Abort(id)
		<-p.done
	}
	fmt.Fprintln(cmd.OutOrStdout())
	log.Info().RawJSON("usage", []byte(p.usage)).Msg("chat done")
	return nil
}
