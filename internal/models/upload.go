package models

// UploadResult is the response of the attachment upload collaborator. The
// server may enrich the stored object with a speech transcription (audio)
// or a generated description (images).
type UploadResult struct {
	URL              string `json:"url"`
	Transcription    string `json:"transcription,omitempty"`
	ImageDescription string `json:"imageDescription,omitempty"`
}

// Attachments references files already uploaded to object storage, carried
// on a ticket-create or message-send call.
type Attachments struct {
	ImageURL         string
	AudioURL         string
	Transcription    string
	ImageDescription string
}

// Empty reports whether no attachment is referenced.
func (a *Attachments) Empty() bool {
	return a == nil || (a.ImageURL == "" && a.AudioURL == "")
}

// Metadata converts attachment enrichment into message metadata, or nil if
// there is nothing to carry.
func (a *Attachments) Metadata() *MessageMetadata {
	if a == nil || (a.Transcription == "" && a.ImageDescription == "") {
		return nil
	}
	return &MessageMetadata{
		Transcription:    a.Transcription,
		ImageDescription: a.ImageDescription,
	}
}
