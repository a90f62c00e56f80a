package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MichealReed/miniAV-sub000/internal/capture"
	"github.com/MichealReed/miniAV-sub000/internal/config"
	"github.com/MichealReed/miniAV-sub000/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	targetID   string
	wantAudio  bool
	outputGPU  bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "miniav-capture",
	Short: "miniAV screen/window capture engine example harness",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List capturable displays and windows",
	Run: func(cmd *cobra.Command, args []string) {
		runList()
	},
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Start a capture session and print frame metadata until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		runCapture()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	captureCmd.Flags().StringVar(&targetID, "target", "", "device ID from 'list' (required)")
	captureCmd.Flags().BoolVar(&wantAudio, "audio", false, "also request loopback audio")
	captureCmd.Flags().BoolVar(&outputGPU, "gpu", false, "prefer GPU-shareable buffers over CPU-readable")
	captureCmd.MarkFlagRequired("target")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(captureCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
	return cfg
}

func runList() {
	loadConfig()
	engine, err := capture.NewEngine()
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	displays, err := engine.EnumerateDisplays()
	if err != nil {
		log.Error("enumerate displays failed", "error", err)
	} else {
		fmt.Println("Displays:")
		for _, d := range displays {
			fmt.Printf("  %-24s %s\n", d.ID, d.Name)
		}
	}

	windows, err := engine.EnumerateWindows()
	if err != nil {
		log.Error("enumerate windows failed", "error", err)
	} else {
		fmt.Println("Windows:")
		for _, w := range windows {
			fmt.Printf("  %-24s %s\n", w.ID, w.Name)
		}
	}
}

func runCapture() {
	loadConfig()
	engine, err := capture.NewEngine()
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	video, audio, err := engine.GetDefaultFormats(targetID)
	if err != nil {
		log.Error("GetDefaultFormats failed", "error", err, "target", targetID)
		os.Exit(1)
	}
	if outputGPU {
		video.Preference = capture.OutputGPU
	}

	session, err := engine.NewSession()
	if err != nil {
		log.Error("NewSession failed", "error", err)
		os.Exit(1)
	}
	defer session.Close()

	target := parseTarget(targetID)

	var audioFmt *capture.AudioFormat
	if wantAudio {
		audioFmt = &audio
	}

	if err := session.Configure(target, video, audioFmt); err != nil {
		log.Error("Configure failed", "error", err)
		os.Exit(1)
	}

	frameCount := 0
	start := time.Now()
	callback := func(buf *capture.FrameBuffer) {
		frameCount++
		switch buf.Type {
		case capture.BufferVideo:
			fmt.Printf("[%6.2fs] video frame #%d %dx%d %s (%d bytes)\n",
				time.Since(start).Seconds(), frameCount,
				buf.Video.Width, buf.Video.Height, buf.Video.Pixel, buf.DataSize)
		case capture.BufferAudio:
			fmt.Printf("[%6.2fs] audio frame #%d %d frames @ %d Hz\n",
				time.Since(start).Seconds(), frameCount,
				buf.Audio.FrameCount, buf.Audio.RateHz)
		}
		if err := session.ReleaseBuffer(buf.Handle); err != nil {
			log.Warn("ReleaseBuffer failed", "error", err)
		}
	}

	if err := session.Start(callback, nil); err != nil {
		log.Error("Start failed", "error", err)
		os.Exit(1)
	}
	log.Info("capture started", "target", targetID, "audio", wantAudio)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("stopping capture")
	if err := session.Stop(); err != nil {
		log.Error("Stop failed", "error", err)
	}
}

// parseTarget turns a device ID from 'list' back into a Target. Windows IDs
// carry their kind as a prefix ("Adapter<n>_Output<n>"/"HWND:0x<hex>"); the
// Linux portal placeholders are always treated as display/window
// respectively.
func parseTarget(id string) capture.Target {
	switch {
	case strings.HasPrefix(id, "HWND:"), id == "portal_window":
		return capture.Target{Kind: capture.TargetWindow, ID: id}
	default:
		return capture.Target{Kind: capture.TargetDisplay, ID: id}
	}
}
