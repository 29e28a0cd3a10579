// SPDX-License-Identifier: MIT

package eyetracker

import (
	"encoding/json"
	"strconv"

	"github.com/labrig/labrig/internal/csvspec"
)

// Topics on the tracker's data connection. Every line is one JSON
// object whose topic field names its shape.
const (
	TopicGaze  = "gaze"
	TopicIMU   = "imu"
	TopicEvent = "event"
	TopicWorld = "world"
)

// decodeTopic reads only the envelope so the caller can pick the
// concrete message type.
func decodeTopic(line []byte) (string, error) {
	var env struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return "", err
	}
	return env.Topic, nil
}

// GazeMessage is one binocular gaze estimate. Timestamps are unix
// seconds on the tracker's clock pair, normalised positions are in
// scene camera coordinates and 3d quantities in millimetres.
type GazeMessage struct {
	Timestamp     float64       `json:"timestamp"`
	DeviceTime    float64       `json:"device_time"`
	WorldIndex    int           `json:"world_index"`
	Confidence    float64       `json:"confidence"`
	NormPos       [2]float64    `json:"norm_pos"`
	Point3D       [3]float64    `json:"gaze_point_3d"`
	EyeCenters    [2][3]float64 `json:"eye_centers_3d"`
	Normals       [2][3]float64 `json:"gaze_normals_3d"`
	PupilDiameter [2]float64    `json:"pupil_diameter_mm"`
	EyeConfidence [2]float64    `json:"eye_confidence"`
	FixationID    int           `json:"fixation_id"`
	BlinkID       int           `json:"blink_id"`
	OnSurface     bool          `json:"on_surface"`
	SurfacePos    [2]float64    `json:"surface_pos"`
}

// row appends the gaze columns after the shared prefix.
func (m *GazeMessage) row(pre []string) []string {
	return append(pre,
		csvspec.FormatSeconds(m.Timestamp),
		csvspec.FormatSeconds(m.DeviceTime),
		strconv.Itoa(m.WorldIndex),
		csvspec.FormatFloat(m.Confidence),
		csvspec.FormatFloat(m.NormPos[0]),
		csvspec.FormatFloat(m.NormPos[1]),
		csvspec.FormatFloat(m.Point3D[0]),
		csvspec.FormatFloat(m.Point3D[1]),
		csvspec.FormatFloat(m.Point3D[2]),
		csvspec.FormatFloat(m.EyeCenters[0][0]),
		csvspec.FormatFloat(m.EyeCenters[0][1]),
		csvspec.FormatFloat(m.EyeCenters[0][2]),
		csvspec.FormatFloat(m.Normals[0][0]),
		csvspec.FormatFloat(m.Normals[0][1]),
		csvspec.FormatFloat(m.Normals[0][2]),
		csvspec.FormatFloat(m.EyeCenters[1][0]),
		csvspec.FormatFloat(m.EyeCenters[1][1]),
		csvspec.FormatFloat(m.EyeCenters[1][2]),
		csvspec.FormatFloat(m.Normals[1][0]),
		csvspec.FormatFloat(m.Normals[1][1]),
		csvspec.FormatFloat(m.Normals[1][2]),
		csvspec.FormatFloat(m.PupilDiameter[0]),
		csvspec.FormatFloat(m.PupilDiameter[1]),
		csvspec.FormatFloat(m.EyeConfidence[0]),
		csvspec.FormatFloat(m.EyeConfidence[1]),
		strconv.Itoa(m.FixationID),
		strconv.Itoa(m.BlinkID),
		csvspec.FormatBool(m.OnSurface),
		csvspec.FormatFloat(m.SurfacePos[0]),
		csvspec.FormatFloat(m.SurfacePos[1]),
	)
}

// IMUMessage is one inertial reading from the headset. The quaternion
// is ordered w, x, y, z.
type IMUMessage struct {
	Timestamp  float64    `json:"timestamp"`
	DeviceTime float64    `json:"device_time"`
	Gyro       [3]float64 `json:"gyro"`
	Accel      [3]float64 `json:"accel"`
	Quaternion [4]float64 `json:"quaternion"`
	TempC      float64    `json:"temperature_c"`
}

func (m *IMUMessage) row(pre []string) []string {
	return append(pre,
		csvspec.FormatSeconds(m.Timestamp),
		csvspec.FormatSeconds(m.DeviceTime),
		csvspec.FormatFloat(m.Gyro[0]),
		csvspec.FormatFloat(m.Gyro[1]),
		csvspec.FormatFloat(m.Gyro[2]),
		csvspec.FormatFloat(m.Accel[0]),
		csvspec.FormatFloat(m.Accel[1]),
		csvspec.FormatFloat(m.Accel[2]),
		csvspec.FormatFloat(m.Quaternion[0]),
		csvspec.FormatFloat(m.Quaternion[1]),
		csvspec.FormatFloat(m.Quaternion[2]),
		csvspec.FormatFloat(m.Quaternion[3]),
		csvspec.FormatFloat(m.TempC),
	)
}

// EventMessage is one discrete detector output, a fixation, blink or
// saccade with its summary statistics.
type EventMessage struct {
	Timestamp     float64    `json:"timestamp"`
	DeviceTime    float64    `json:"device_time"`
	EventType     string     `json:"event_type"`
	EventID       int        `json:"event_id"`
	DurationMS    float64    `json:"duration_ms"`
	Confidence    float64    `json:"confidence"`
	NormPos       [2]float64 `json:"norm_pos"`
	Dispersion    float64    `json:"dispersion_deg"`
	Velocity      float64    `json:"velocity_deg_s"`
	Amplitude     float64    `json:"amplitude_deg"`
	StartFrame    int        `json:"start_frame_index"`
	EndFrame      int        `json:"end_frame_index"`
	SurfaceName   string     `json:"surface_name"`
	OnSurface     bool       `json:"on_surface"`
	Method        string     `json:"method"`
	BaseDataCount int        `json:"base_data_count"`
	Annotation    string     `json:"annotation"`
}

func (m *EventMessage) row(pre []string) []string {
	return append(pre,
		csvspec.FormatSeconds(m.Timestamp),
		csvspec.FormatSeconds(m.DeviceTime),
		m.EventType,
		strconv.Itoa(m.EventID),
		csvspec.FormatFloat(m.DurationMS),
		csvspec.FormatFloat(m.Confidence),
		csvspec.FormatFloat(m.NormPos[0]),
		csvspec.FormatFloat(m.NormPos[1]),
		csvspec.FormatFloat(m.Dispersion),
		csvspec.FormatFloat(m.Velocity),
		csvspec.FormatFloat(m.Amplitude),
		strconv.Itoa(m.StartFrame),
		strconv.Itoa(m.EndFrame),
		m.SurfaceName,
		csvspec.FormatBool(m.OnSurface),
		m.Method,
		strconv.Itoa(m.BaseDataCount),
		m.Annotation,
	)
}

// WorldMessage carries one scene camera frame, base64 of raw bgr24
// bytes. The tracker inlines video on the data connection.
type WorldMessage struct {
	Timestamp  float64 `json:"timestamp"`
	WorldIndex int     `json:"world_index"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameB64   string  `json:"frame_b64"`
}
