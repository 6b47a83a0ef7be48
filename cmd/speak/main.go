// Command speak synthesizes a block of text through a speech backend and
// plays it on the local audio device.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lingokit/speech/tts"
	"github.com/lingokit/speech/tts/sink"
)

var (
	endpointFlag string
	voiceFlag    string
	modelFlag    string
	speedFlag    float64
	debugFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "speak [text]",
	Short: "Play synthesized speech for the given text",
	Long: `Speak requests synthesized audio from a speech backend and plays it
as it streams in. Defaults come from the SPEECH_* environment variables;
flags override them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSpeak,
}

func init() {
	rootCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "synthesis endpoint URL")
	rootCmd.Flags().StringVar(&voiceFlag, "voice", "", "voice identifier")
	rootCmd.Flags().StringVar(&modelFlag, "model", "", "synthesis model")
	rootCmd.Flags().Float64Var(&speedFlag, "speed", 0, "speech speed multiplier")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

func runSpeak(cmd *cobra.Command, args []string) error {
	if debugFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := tts.LoadConfig()
	if err != nil {
		return err
	}

	s := sink.NewOtoSink()
	controller := tts.New(s, tts.WithConfig(cfg))
	defer controller.Close()

	controller.OnFinished(func() {
		log.Debug("playback finished")
	})

	text := strings.Join(args, " ")
	sess := controller.Play(text, tts.PlayOptions{
		Endpoint: endpointFlag,
		Voice:    voiceFlag,
		Model:    modelFlag,
		Speed:    speedFlag,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			controller.Stop()
			return nil
		}
		var perr *tts.PlaybackError
		if errors.As(err, &perr) {
			return fmt.Errorf("playback failed (%s): %s", perr.FullReason(), perr.Message)
		}
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("speak failed", "error", err)
		os.Exit(1)
	}
}
