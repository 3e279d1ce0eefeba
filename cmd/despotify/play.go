package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"despotify/internal/bridge"
	"despotify/internal/config"
	"despotify/internal/pcm"
	"despotify/internal/session"
)

var (
	playOut    string
	playAsList bool
)

var playCmd = &cobra.Command{
	Use:   "play <uri>",
	Short: "Play a track or album link on the speaker or into a WAV file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().StringVarP(&playOut, "out", "o", "", "write the audio to this WAV file instead of the speaker")
	playCmd.Flags().BoolVarP(&playAsList, "list", "l", false, "keep playing the rest of the track's album")
	rootCmd.AddCommand(playCmd)
}

func runPlay(cmd *cobra.Command, args []string) error {
	uri := args[0]

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	creds, err := config.LoadCredentials(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lib, err := openLibrary(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer lib.Close()

	loop := bridge.NewLoop(logger)
	defer loop.Close()

	sess, err := session.New(ctx, lib.engine, loop, bridge.NewPool(loop, cfg.Session.Workers), session.Options{
		HighBitrate: cfg.Session.HighBitrate,
		UseCache:    cfg.Session.UseCache,
		ChunkSize:   cfg.Session.ChunkSize,
		EventBuffer: cfg.Session.EventBuffer,
		Logger:      logger.WithField("uri", uri),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	events := sess.Subscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			switch ev.Type {
			case session.EventTrack:
				printMetadata(out, ev.Track.Metadata())
			case session.EventPlaybackError:
				fmt.Fprintf(out, "playback error: %v\n", ev.Err)
			case session.EventEndOfPlaylist:
				fmt.Fprintln(out, "end of playlist")
			}
		}
	}()
	// Logout closes the subscription; wait for the printer to drain it.
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Logout(logoutCtx); err != nil {
			logger.WithError(err).Warn("Logout failed")
		}
		select {
		case <-printed:
		case <-logoutCtx.Done():
		}
	}()

	if err := sess.Authenticate(ctx, creds.Username, creds.Password); err != nil {
		return err
	}
	if err := sess.Play(ctx, uri, playAsList); err != nil {
		return err
	}

	audio := sess.Audio(ctx)
	audio.OnFormat(func(f pcm.Format) {
		fmt.Fprintf(out, "format: %s\n", f)
	})

	// The first read fixes the output format.
	first := make([]byte, cfg.Session.ChunkSize)
	n, err := audio.Read(first)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	t := audio.Track()
	if t == nil {
		return fmt.Errorf("no track is playing")
	}
	format, _ := t.Format()
	stream := io.MultiReader(bytes.NewReader(first[:n]), audio)

	if playOut != "" {
		return record(stream, format, playOut, logger)
	}
	return playSpeaker(ctx, stream, format)
}

// printMetadata prints every metadata field of a track
func printMetadata(w io.Writer, meta session.Metadata) {
	fmt.Fprintln(w, "new track:")
	for _, name := range session.Fields() {
		v, ok := meta.Field(name)
		if !ok {
			continue
		}
		switch v := v.(type) {
		case []byte:
			fmt.Fprintf(w, "  %-14s %x\n", name, v)
		default:
			fmt.Fprintf(w, "  %-14s %v\n", name, v)
		}
	}
}

// record writes the stream into a WAV file at path
func record(stream io.Reader, format pcm.Format, path string, logger *logrus.Logger) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	rec, err := pcm.NewRecorder(f, format)
	if err != nil {
		return err
	}
	n, copyErr := io.Copy(rec, stream)
	if err := rec.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	logger.WithFields(logrus.Fields{"file": path, "bytes": n}).Info("Recording finished")
	if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
		return copyErr
	}
	return nil
}

// playSpeaker plays the stream until it ends or ctx is cancelled
func playSpeaker(ctx context.Context, stream io.Reader, format pcm.Format) error {
	streamer := pcm.NewStreamer(stream, format)
	rate := streamer.SampleRate()
	if err := speaker.Init(rate, rate.N(100*time.Millisecond)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	defer speaker.Close()

	done := make(chan struct{})
	speaker.Play(beep.Seq(streamer, beep.Callback(func() {
		close(done)
	})))

	select {
	case <-done:
	case <-ctx.Done():
		speaker.Clear()
	}
	if err := streamer.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
