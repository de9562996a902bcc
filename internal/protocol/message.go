package protocol

// Message is one value of the closed wire union. The unexported marker
// method keeps the variant set sealed to this package.
type Message interface {
	// Kind is the wire tag of the variant, e.g. "Text" or "Quit".
	Kind() string
	isMessage()
}

// Wire tags. Order and spelling are part of the protocol.
const (
	KindText          = "Text"
	KindFile          = "File"
	KindImage         = "Image"
	KindLogin         = "Login"
	KindLoginResponse = "LoginResponse"
	KindQuit          = "Quit"
)

type Text struct {
	Body string
}

// File carries an arbitrary payload. Name is client metadata only; the
// server never derives a storage path from it.
type File struct {
	Name    string
	Content []byte
}

type Image struct {
	Name    string
	Content []byte
}

type Login struct {
	Username string
	Password string
}

type LoginResponse struct {
	Success bool
}

type Quit struct{}

func (Text) Kind() string          { return KindText }
func (File) Kind() string          { return KindFile }
func (Image) Kind() string         { return KindImage }
func (Login) Kind() string         { return KindLogin }
func (LoginResponse) Kind() string { return KindLoginResponse }
func (Quit) Kind() string          { return KindQuit }

func (Text) isMessage()          {}
func (File) isMessage()          {}
func (Image) isMessage()         {}
func (Login) isMessage()         {}
func (LoginResponse) isMessage() {}
func (Quit) isMessage()          {}
