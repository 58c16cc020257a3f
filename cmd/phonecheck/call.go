package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/phonecheck/av"
	"github.com/opd-ai/phonecheck/av/audio"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCallCommand(c *cli) *cobra.Command {
	var saveAudio string
	var saveRate int

	cmd := &cobra.Command{
		Use:   "call [target]",
		Short: "Place one test call",
		Long: `Place one outbound call, capture its audio and hang up.

The target argument overrides sip.target. The command exits non-zero when
the call fails or delivers less audio than media.min_audio_duration.

Examples:
  phonecheck call --config phonecheck.yaml
  phonecheck call 5551234567 --listen 20s --save-audio call.wav`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				c.viper.Set("sip.target", args[0])
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			engine, err := av.NewEngine(cfg.Options())
			if err != nil {
				return err
			}
			engine.SetStateCallback(func(state av.CallState) {
				logrus.WithFields(logrus.Fields{
					"function": "call",
					"state":    state.String(),
				}).Debug("Call state changed")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var result *av.Result
			if cfg.Media.Retry {
				result = engine.RunWithRetry(ctx)
			} else {
				result = engine.Run(ctx)
			}

			printResult(cmd.OutOrStdout(), result)

			if saveAudio != "" && len(result.Samples) > 0 {
				if err := saveCapture(saveAudio, result.Samples, saveRate); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "call",
						"path":     saveAudio,
						"error":    err.Error(),
					}).Warn("Failed to save audio")
				}
			}

			if !result.Succeeded() {
				return fmt.Errorf("%s", result.Summary())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&saveAudio, "save-audio", "", "write the captured audio to this WAV file")
	cmd.Flags().IntVar(&saveRate, "save-rate", audio.SampleRate, "sample rate of the saved WAV file (16000 for speech tooling)")
	cmd.Flags().Duration("listen", 0, "media listen window (overrides media.listen_duration)")
	cmd.Flags().String("stun", "", "STUN server host[:port] (overrides stun.server)")
	cmd.Flags().Bool("retry", true, "retry once after a network, timeout or 5xx failure")
	_ = c.viper.BindPFlag("media.listen_duration", cmd.Flags().Lookup("listen"))
	_ = c.viper.BindPFlag("stun.server", cmd.Flags().Lookup("stun"))
	_ = c.viper.BindPFlag("media.retry", cmd.Flags().Lookup("retry"))

	return cmd
}

func saveCapture(path string, samples []int16, rate int) error {
	resampled, err := audio.Resample(samples, audio.SampleRate, rate)
	if err != nil {
		return err
	}
	return audio.SaveWAV(path, resampled, rate)
}

func printResult(w io.Writer, r *av.Result) {
	fmt.Fprintf(w, "Result:   %s\n", r.Summary())
	fmt.Fprintf(w, "State:    %s\n", r.State)
	if r.CallID != "" {
		fmt.Fprintf(w, "Call-ID:  %s\n", r.CallID)
	}
	if r.StatusCode != 0 {
		fmt.Fprintf(w, "Status:   %d\n", r.StatusCode)
	}
	if r.RemoteMedia != nil {
		fmt.Fprintf(w, "Media:    %s -> %s\n", r.RemoteMedia, r.PublicMedia)
	}
	if r.Duration > 0 {
		fmt.Fprintf(w, "Audio:    %s (payload type %d)\n", r.Duration, r.PayloadType)
		fmt.Fprintf(w, "Quality:  %s (%.1f%% loss)\n", r.Quality.Quality, r.Quality.PacketLoss)
		fmt.Fprintf(w, "Level:    %.1f dBFS (peak %d)\n", r.Level.DBFS, r.Level.Peak)
	}
	if r.RemoteHangup {
		fmt.Fprintln(w, "Remote party hung up")
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "Warning:  %s\n", warning)
	}
	fmt.Fprintf(w, "Elapsed:  %s\n", r.Elapsed)
}
