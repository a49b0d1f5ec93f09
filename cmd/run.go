// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alwayslone/open-phone-agent/internal/adb"
	"github.com/alwayslone/open-phone-agent/internal/agent"
	"github.com/alwayslone/open-phone-agent/internal/ai"
	"github.com/alwayslone/open-phone-agent/internal/observability"
	"github.com/alwayslone/open-phone-agent/internal/voice"
)

// deviceFeedback signals wake-word activation through the device itself.
type deviceFeedback struct {
	device *adb.Device
}

func (f deviceFeedback) Activated(ctx context.Context) {
	f.device.Vibrate(ctx, 150*time.Millisecond)
	f.device.Notify(ctx, "voice", "Listening for command")
}

func newRunCommand() *cobra.Command {
	var voiceMode bool

	runCmd := &cobra.Command{
		Use:   "run [instruction]",
		Short: "Execute a task on the connected device, or listen for voice commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !voiceMode && len(args) == 0 {
				return fmt.Errorf("provide a task instruction or use --voice")
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := loadedCfg

			channel := adb.NewExecShell(logger, cfg.ADB)
			device := adb.NewDevice(logger, channel)
			analyzer, err := ai.NewAnalyzer(ctx, cfg.AI, logger)
			if err != nil {
				return err
			}

			bus := agent.NewEventBus(logger, cfg.Agent.EventBufferSize)
			defer bus.Shutdown()
			runner := agent.NewRunner(logger, cfg.Agent, device, analyzer, bus)

			var arbiter *voice.Arbiter
			if voiceMode {
				arbiter = voice.NewArbiter(logger, cfg.Voice,
					voice.NewStdinRecognizer(os.Stdin),
					voice.NopWakeLock{},
					deviceFeedback{device: device},
					runner)
			}

			events, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				pumpEvents(events, arbiter)
				return nil
			})

			if voiceMode {
				if err := arbiter.Start(gctx); err != nil {
					return err
				}
				defer arbiter.Stop()
				<-gctx.Done()
			} else {
				if err := runner.StartTask(gctx, args[0]); err != nil {
					return err
				}
				select {
				case <-runner.Done():
				case <-gctx.Done():
					runner.StopTask()
				}
				logger.Info("Run finished",
					zap.String("status", string(runner.Status())),
					zap.Int("steps", runner.Step()))
			}

			unsubscribe()
			return g.Wait()
		},
	}

	runCmd.Flags().BoolVar(&voiceMode, "voice", false, "enable wake-word voice control (reads recognized text from stdin)")
	return runCmd
}

// pumpEvents drains the task event stream, mirrors it to the console, and
// feeds the voice arbiter's task notifications when voice mode is active.
func pumpEvents(events <-chan agent.Event, arbiter *voice.Arbiter) {
	for ev := range events {
		switch ev.Type {
		case agent.EventTaskStarted:
			fmt.Printf("task started: %s\n", ev.Message)
			if arbiter != nil {
				arbiter.NotifyTaskStarted()
			}
		case agent.EventStepStarted:
			fmt.Printf("step %d\n", ev.Step)
		case agent.EventActionParsed:
			if ev.Action != nil {
				fmt.Printf("  -> %s\n", ev.Action.Describe())
			}
		case agent.EventThought:
			fmt.Printf("  thought: %s\n", ev.Message)
		case agent.EventWarning:
			fmt.Printf("  warning: %s\n", ev.Message)
		case agent.EventError:
			fmt.Printf("  error: %s\n", ev.Message)
		case agent.EventTaskPaused:
			fmt.Printf("task paused, human intervention needed: %s\n", ev.Message)
			if arbiter != nil {
				arbiter.NotifyTaskCompleted()
			}
		case agent.EventTaskCompleted:
			fmt.Printf("task completed: %s\n", ev.Message)
			if arbiter != nil {
				arbiter.NotifyTaskCompleted()
			}
		case agent.EventTaskCancelled:
			fmt.Println("task cancelled")
			if arbiter != nil {
				arbiter.NotifyTaskCompleted()
			}
		}
	}
}
