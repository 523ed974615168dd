// Package media builds launch specifications for the external media
// programs (ffmpeg, nginx, mpv). It only assembles command lines; running
// them is the supervisor's job.
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/netutil"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/supervisor"
)

// SRT latencies in milliseconds. Ingest and fan-out run on the same host
// or LAN, so they keep a tight latency window; playback tolerates much
// more to ride out Wi-Fi jitter.
const (
	transportLatencyMS = 120
	playbackLatencyMS  = 3000
)

const streamApp = "live/stream"

// RTMPURL is the local relay endpoint both ffmpeg legs attach to.
func RTMPURL(rtmpPort int) string {
	return fmt.Sprintf("rtmp://127.0.0.1:%d/%s", rtmpPort, streamApp)
}

// SRTListenerURL binds an SRT listener on all interfaces.
func SRTListenerURL(port, latencyMS int) string {
	return fmt.Sprintf("srt://0.0.0.0:%d?mode=listener&latency=%d", port, latencyMS)
}

// SRTCallerURL is the receiver-side playback address.
func SRTCallerURL(host string, port, latencyMS int) string {
	return fmt.Sprintf("srt://%s:%d?mode=caller&latency=%d", netutil.FormatHostForURL(host), port, latencyMS)
}

// IngestSpec is the sender-side ffmpeg that accepts the SRT input from the
// capture source and republishes it to the local relay. It listens forever
// for an upstream, so its retry policy is infinite.
func IngestSpec(cfg *config.Config) supervisor.LaunchSpec {
	return supervisor.LaunchSpec{
		Path: cfg.Programs.FFmpeg,
		Args: []string{
			"-hide_banner", "-loglevel", "warning",
			"-i", SRTListenerURL(cfg.Network.SRTInputPort, transportLatencyMS),
			"-c", "copy",
			"-f", "flv",
			RTMPURL(cfg.Network.RTMPPort),
		},
		Grace: cfg.Playback.GracePeriod,
	}
}

// DistributionSpec is the per-client ffmpeg that pulls from the relay and
// serves one receiver on its leased SRT port.
func DistributionSpec(cfg *config.Config, port int) supervisor.LaunchSpec {
	return supervisor.LaunchSpec{
		Path: cfg.Programs.FFmpeg,
		Args: []string{
			"-hide_banner", "-loglevel", "warning",
			"-i", RTMPURL(cfg.Network.RTMPPort),
			"-c", "copy",
			"-f", "mpegts",
			SRTListenerURL(port, transportLatencyMS),
		},
		Grace: cfg.Playback.GracePeriod,
	}
}

// RelaySpec runs nginx-rtmp in the foreground out of its own prefix
// directory. nginx forks workers, so the whole process group is stopped
// together, and readiness means the RTMP port accepts connections.
func RelaySpec(cfg *config.Config) supervisor.LaunchSpec {
	rtmpAddr := netutil.HostPort("127.0.0.1", cfg.Network.RTMPPort)
	return supervisor.LaunchSpec{
		Path: cfg.Programs.Nginx,
		Args: []string{
			"-p", cfg.Programs.NginxDir,
			"-c", "conf/nginx.conf",
			"-g", "daemon off;",
		},
		Dir:          cfg.Programs.NginxDir,
		ProcessGroup: true,
		Grace:        cfg.Playback.StopGrace,
		Readiness: func(ctx context.Context) error {
			deadline, ok := ctx.Deadline()
			if !ok {
				return netutil.WaitForListener(rtmpAddr, cfg.Playback.StopGrace)
			}
			return netutil.WaitForListener(rtmpAddr, time.Until(deadline))
		},
	}
}

// SenderPlaybackSpec is the sender's local monitor watching the relay
// output.
func SenderPlaybackSpec(cfg *config.Config) supervisor.LaunchSpec {
	return supervisor.LaunchSpec{
		Path: cfg.Programs.MPV,
		Args: []string{
			"--profile=low-latency",
			"--keep-open=no",
			RTMPURL(cfg.Network.RTMPPort),
		},
		Grace: cfg.Playback.GracePeriod,
	}
}

// ReceiverPlaybackSpec is the receiver's mpv dialing the per-client SRT
// port announced in the handshake result.
func ReceiverPlaybackSpec(cfg *config.Config, host string, port int) supervisor.LaunchSpec {
	return supervisor.LaunchSpec{
		Path: cfg.Programs.MPV,
		Args: []string{
			"--profile=low-latency",
			"--keep-open=no",
			SRTCallerURL(host, port, playbackLatencyMS),
		},
		Grace: cfg.Playback.GracePeriod,
	}
}

// Policy converts a configured retry policy into the supervisor's form.
func Policy(p config.RetryPolicy) supervisor.RetryPolicy {
	return supervisor.RetryPolicy{
		Mode:        p.Mode,
		Interval:    p.Interval,
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
	}
}
