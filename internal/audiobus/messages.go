package audiobus

// Inbound message types. Frames are UTF-8 JSON objects with a "type" field;
// unknown types are answered with an error frame.
const (
	MsgRequestAudio = "request_audio"
	MsgSync         = "sync"
	MsgBargeIn      = "barge_in"
	MsgVoiceConfig  = "voice_config"
	MsgSetTopic     = "set_topic"
)

// Outbound message types.
const (
	MsgAudio          = "audio"
	MsgSyncAck        = "sync_ack"
	MsgBargeInAck     = "barge_in_ack"
	MsgVoiceConfigAck = "voice_config_ack"
	MsgTopicSet       = "topic_set"
	MsgError          = "error"
)

// inbound is the decoded form of any client frame. Pointer fields
// distinguish "absent" from zero values; handlers validate presence per
// message type.
type inbound struct {
	Type string `json:"type"`

	SegmentIndex *int  `json:"segment_index,omitempty"`
	OffsetMS     *int  `json:"offset_ms,omitempty"`
	IsPlaying    *bool `json:"is_playing,omitempty"`

	VoiceID     *string            `json:"voice_id,omitempty"`
	TTSProvider *string            `json:"tts_provider,omitempty"`
	Speed       *float64           `json:"speed,omitempty"`
	Options     map[string]float64 `json:"options,omitempty"`

	CurriculumID string `json:"curriculum_id,omitempty"`
	TopicID      string `json:"topic_id,omitempty"`
}

// audioMessage answers request_audio.
type audioMessage struct {
	Type            string  `json:"type"`
	SegmentIndex    int     `json:"segment_index"`
	AudioBase64     string  `json:"audio_base64"`
	DurationSeconds float64 `json:"duration_seconds"`
	TotalSegments   int     `json:"total_segments"`
	CacheHit        bool    `json:"cache_hit"`
}

// syncAck answers sync. ServerTime is authoritative for client clock
// alignment.
type syncAck struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	ServerTime   string `json:"server_time"`
}

// bargeInAck answers barge_in, echoing the recorded position.
type bargeInAck struct {
	Type         string `json:"type"`
	SegmentIndex int    `json:"segment_index"`
	OffsetMS     int    `json:"offset_ms"`
}

// voiceConfigAck answers voice_config with the merged configuration.
type voiceConfigAck struct {
	Type        string             `json:"type"`
	VoiceID     string             `json:"voice_id"`
	TTSProvider string             `json:"tts_provider"`
	Speed       float64            `json:"speed"`
	Options     map[string]float64 `json:"options,omitempty"`
}

// topicSet answers set_topic.
type topicSet struct {
	Type          string `json:"type"`
	TotalSegments int    `json:"total_segments"`
}

// errorMessage is emitted in lieu of the normal ack when a handler fails or
// a precondition is violated. The channel stays open.
type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
