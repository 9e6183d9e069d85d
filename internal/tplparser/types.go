package tplparser

// Message is one conversation turn. Content is a string or a list of parts
// ({"type":"text","text":...} / {"type":"image"}). Images adds that many
// image placeholders ahead of the content.
type Message struct {
	Role    string
	Content any
	Images  int
}

type RenderOptions struct {
	Template            string
	Arch                string
	BOSToken            string
	AddBOS              bool
	AddGenerationPrompt bool
	// ImageToken is the placeholder written for each image; "<image>" when empty.
	ImageToken string
	Messages   []Message
}
