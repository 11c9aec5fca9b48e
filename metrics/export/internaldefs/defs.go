package internaldefs

import (
	otpforge "github.com/otpforge/otpforge"
)

// CounterDef defines a public type used by otpforge APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   otpforge.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by otpforge APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   otpforge.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the token engine.
var CounterDefs = []CounterDef{
	{ID: otpforge.MetricCheckAccept, Name: "otpforge_check_accept_total", Help: "Accepted credential checks."},
	{ID: otpforge.MetricCheckReject, Name: "otpforge_check_reject_total", Help: "Rejected credential checks."},
	{ID: otpforge.MetricReplayDetected, Name: "otpforge_replay_detected_total", Help: "OTP values presented again after acceptance."},
	{ID: otpforge.MetricTokenLocked, Name: "otpforge_token_locked_total", Help: "Tokens locked by the fail counter."},
	{ID: otpforge.MetricResyncStarted, Name: "otpforge_resync_started_total", Help: "Auto-resync windows opened."},
	{ID: otpforge.MetricResyncCompleted, Name: "otpforge_resync_completed_total", Help: "Auto-resync completions."},
	{ID: otpforge.MetricChallengeCreated, Name: "otpforge_challenge_created_total", Help: "Challenges created."},
	{ID: otpforge.MetricChallengeAccepted, Name: "otpforge_challenge_accepted_total", Help: "Challenges answered correctly."},
	{ID: otpforge.MetricChallengeDeclined, Name: "otpforge_challenge_declined_total", Help: "Challenges explicitly declined."},
	{ID: otpforge.MetricChallengeAttemptsExceeded, Name: "otpforge_challenge_attempts_exceeded_total", Help: "Challenges invalidated by the attempt cap."},
	{ID: otpforge.MetricPushEnrollStarted, Name: "otpforge_push_enroll_started_total", Help: "Push enrollments started."},
	{ID: otpforge.MetricPushEnrollCompleted, Name: "otpforge_push_enroll_completed_total", Help: "Push enrollments completed."},
	{ID: otpforge.MetricPushEnrollRejected, Name: "otpforge_push_enroll_rejected_total", Help: "Push enrollment step-2 rejections."},
	{ID: otpforge.MetricPushSent, Name: "otpforge_push_sent_total", Help: "Push notifications handed to the transport."},
	{ID: otpforge.MetricPushSendFailed, Name: "otpforge_push_send_failed_total", Help: "Push notification delivery failures."},
	{ID: otpforge.MetricPushConfirmAccepted, Name: "otpforge_push_confirm_accepted_total", Help: "Push confirmations that accepted a challenge."},
	{ID: otpforge.MetricPushConfirmDeclined, Name: "otpforge_push_confirm_declined_total", Help: "Push confirmations that declined a challenge."},
	{ID: otpforge.MetricPushConfirmRejected, Name: "otpforge_push_confirm_rejected_total", Help: "Push confirmations rejected outright."},
	{ID: otpforge.MetricPresenceMismatch, Name: "otpforge_presence_mismatch_total", Help: "Presence answers that missed the expected option."},
	{ID: otpforge.MetricPollRequests, Name: "otpforge_poll_requests_total", Help: "Smartphone poll requests."},
	{ID: otpforge.MetricPollRateLimited, Name: "otpforge_poll_rate_limited_total", Help: "Rate-limited smartphone requests."},
	{ID: otpforge.MetricTimestampRejected, Name: "otpforge_timestamp_rejected_total", Help: "Signed requests rejected by the timestamp guard."},
	{ID: otpforge.MetricSignatureRejected, Name: "otpforge_signature_rejected_total", Help: "Signed requests rejected by signature verification."},
}

// HistogramDefs is an exported constant or variable used by the token engine.
var HistogramDefs = []HistogramDef{
	{ID: otpforge.MetricCheckLatency, Name: "otpforge_check_latency_seconds", Help: "Credential check latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the token engine.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the token engine.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets describes the normalizebuckets operation and its observable behavior.
//
// NormalizeBuckets may return an error when input validation, dependency calls, or security checks fail.
// NormalizeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets describes the cumulativebuckets operation and its observable behavior.
//
// CumulativeBuckets may return an error when input validation, dependency calls, or security checks fail.
// CumulativeBuckets does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
