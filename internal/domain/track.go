package domain

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

func (k TrackKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Appointment tells clients what a published track carries (microphone, camera, screen).
type Appointment string

const (
	AppointmentAudio  Appointment = "audio"
	AppointmentCamera Appointment = "camera"
	AppointmentScreen Appointment = "screen"
)
