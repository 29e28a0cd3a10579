// SPDX-License-Identifier: MIT

package csvspec

// Timing is the per-media-file frame diagnostics CSV.
var Timing = Schema{
	Name: "timing",
	Columns: []string{
		"frame_number",
		"write_time_unix",
		"write_time_iso",
		"expected_delta",
		"actual_delta",
		"delta_error",
		"queue_delay",
		"capture_latency",
		"write_duration",
		"queue_backlog_after",
		"camera_frame_index",
		"display_frame_index",
		"camera_timestamp_unix",
		"camera_timestamp_diff",
		"available_camera_fps",
		"dropped_frames_total",
		"duplicates_total",
		"is_duplicate",
	},
}

// TimingEyeTracker is the timing CSV with the gaze timestamp pair the
// eye-tracker world pipeline adds after camera_timestamp_diff.
var TimingEyeTracker = Schema{
	Name: "timing_eyetracker",
	Columns: []string{
		"frame_number",
		"write_time_unix",
		"write_time_iso",
		"expected_delta",
		"actual_delta",
		"delta_error",
		"queue_delay",
		"capture_latency",
		"write_duration",
		"queue_backlog_after",
		"camera_frame_index",
		"display_frame_index",
		"camera_timestamp_unix",
		"camera_timestamp_diff",
		"gaze_timestamp_unix",
		"gaze_timestamp_diff",
		"available_camera_fps",
		"dropped_frames_total",
		"duplicates_total",
		"is_duplicate",
	},
}

// GPS carries one row per NMEA fix.
var GPS = Schema{
	Name: "gps",
	Columns: withPrefix(
		"sentence_type",
		"gps_time_utc",
		"gps_date",
		"fix_valid",
		"fix_quality",
		"latitude_deg",
		"longitude_deg",
		"altitude_m",
		"geoid_separation_m",
		"speed_knots",
		"speed_kmh",
		"course_deg",
		"magnetic_variation_deg",
		"satellites_in_use",
		"satellites_in_view",
		"hdop",
		"vdop",
		"pdop",
		"mode_indicator",
		"raw_sentence",
	),
}

// DRTSimple carries one row per stimulus on wired response devices.
// reaction_time_ms is -1 when the stimulus timed out unanswered.
var DRTSimple = Schema{
	Name: "drt",
	Columns: withPrefix(
		"stimulus_index",
		"stimulus_onset_mono",
		"reaction_time_ms",
		"responses",
	),
}

// DRTWireless extends DRTSimple with the radio unit's battery level.
var DRTWireless = Schema{
	Name: "drt_wireless",
	Columns: withPrefix(
		"stimulus_index",
		"stimulus_onset_mono",
		"reaction_time_ms",
		"responses",
		"battery_percent",
	),
}

// VOGSimple carries shutter transitions of wired occlusion goggles.
var VOGSimple = Schema{
	Name: "vog",
	Columns: withPrefix(
		"event_type",
		"shutter_state",
	),
}

// VOGWireless adds the lens selector and radio telemetry. lens is one of
// A, B or X (both).
var VOGWireless = Schema{
	Name: "vog_wireless",
	Columns: withPrefix(
		"event_type",
		"shutter_state",
		"lens",
		"battery_percent",
		"unit_id",
	),
}

// Gaze is the eye tracker's primary sample stream.
var Gaze = Schema{
	Name: "gaze",
	Columns: withPrefix(
		"gaze_timestamp_unix",
		"gaze_timestamp_device",
		"world_index",
		"confidence",
		"norm_pos_x",
		"norm_pos_y",
		"gaze_point_3d_x",
		"gaze_point_3d_y",
		"gaze_point_3d_z",
		"eye_center0_3d_x",
		"eye_center0_3d_y",
		"eye_center0_3d_z",
		"gaze_normal0_x",
		"gaze_normal0_y",
		"gaze_normal0_z",
		"eye_center1_3d_x",
		"eye_center1_3d_y",
		"eye_center1_3d_z",
		"gaze_normal1_x",
		"gaze_normal1_y",
		"gaze_normal1_z",
		"pupil_diameter0_mm",
		"pupil_diameter1_mm",
		"eye0_confidence",
		"eye1_confidence",
		"fixation_id",
		"blink_id",
		"on_surface",
		"surface_x",
		"surface_y",
	),
}

// IMU is the eye tracker's inertial stream.
var IMU = Schema{
	Name: "imu",
	Columns: withPrefix(
		"imu_timestamp_unix",
		"imu_timestamp_device",
		"gyro_x",
		"gyro_y",
		"gyro_z",
		"accel_x",
		"accel_y",
		"accel_z",
		"quaternion_w",
		"quaternion_x",
		"quaternion_y",
		"quaternion_z",
		"temperature_c",
	),
}

// Events is the eye tracker's discrete event stream (fixations, blinks,
// surface crossings).
var Events = Schema{
	Name: "events",
	Columns: withPrefix(
		"event_timestamp_unix",
		"event_timestamp_device",
		"event_type",
		"event_id",
		"duration_ms",
		"confidence",
		"norm_pos_x",
		"norm_pos_y",
		"dispersion_deg",
		"velocity_deg_s",
		"amplitude_deg",
		"start_frame_index",
		"end_frame_index",
		"surface_name",
		"on_surface",
		"method",
		"base_data_count",
		"annotation",
	),
}

// Notes carries operator annotations.
var Notes = Schema{
	Name: "notes",
	Columns: withPrefix(
		"note_id",
		"text",
	),
}

// All lists every schema for table-driven conformance checks.
var All = []Schema{
	Timing,
	TimingEyeTracker,
	GPS,
	DRTSimple,
	DRTWireless,
	VOGSimple,
	VOGWireless,
	Gaze,
	IMU,
	Events,
	Notes,
}
