package protocol

import (
	"slices"
	"strconv"
	"strings"
)

// Control command prefixes, sent as the text of a message addressed to
// model.ServerIdentity.
const (
	registerPrefix  = "register:"
	loginPrefix     = "login:"
	bindPrefix      = "clientName:"
	listUsersText   = "AllClientNames"
	namesPrefix     = "allClientsNames:"
	countPrefix     = "ClientCount:"
	loginResultText = "LoginResult:"
)

// Server reply texts.
const (
	LoginSuccess   = loginResultText + "Success"
	LoginFailed    = loginResultText + "Failed"
	ShutdownNotice = "Server is shutting down"
)

// Command is a decoded control command. It is one of Register, Login, Bind,
// ListUsers or Unknown.
type Command interface {
	command()
}

// Register stores credentials for Username.
type Register struct {
	Username  string
	Password  string
	Malformed bool // the password field was missing
}

// Login validates credentials and binds Username on success.
type Login struct {
	Username  string
	Password  string
	Malformed bool
}

// Bind sets the session identity without checking credentials.
type Bind struct {
	Name string
}

// ListUsers asks for the identities of all named sessions.
type ListUsers struct{}

// Unknown is any text the server does not understand.
type Unknown struct {
	Text string
}

func (Register) command()  {}
func (Login) command()     {}
func (Bind) command()      {}
func (ListUsers) command() {}
func (Unknown) command()   {}

// ParseCommand decodes the text of a control message. Passwords may
// contain ':'; only the first separator after the username counts.
func ParseCommand(text string) Command {
	if rest, ok := strings.CutPrefix(text, registerPrefix); ok {
		user, pass, found := strings.Cut(rest, ":")
		return Register{Username: user, Password: pass, Malformed: !found}
	}
	if rest, ok := strings.CutPrefix(text, loginPrefix); ok {
		user, pass, found := strings.Cut(rest, ":")
		return Login{Username: user, Password: pass, Malformed: !found}
	}
	if rest, ok := strings.CutPrefix(text, bindPrefix); ok {
		return Bind{Name: rest}
	}
	if text == listUsersText {
		return ListUsers{}
	}
	return Unknown{Text: text}
}

// RegisterText builds a register command.
func RegisterText(username, password string) string {
	return registerPrefix + username + ":" + password
}

// LoginText builds a login command.
func LoginText(username, password string) string {
	return loginPrefix + username + ":" + password
}

// BindText builds a clientName command.
func BindText(name string) string {
	return bindPrefix + name
}

// ListUsersText is the user listing command.
const ListUsersText = listUsersText

// LoginResult returns the login reply text.
func LoginResult(ok bool) string {
	if ok {
		return LoginSuccess
	}
	return LoginFailed
}

// ClientNames builds the user listing reply. Names are sorted and joined
// by single spaces.
func ClientNames(names []string) string {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	return namesPrefix + strings.Join(sorted, " ")
}

// ParseClientNames extracts the names from a user listing reply.
func ParseClientNames(text string) ([]string, bool) {
	rest, ok := strings.CutPrefix(text, namesPrefix)
	if !ok {
		return nil, false
	}
	return strings.Fields(rest), true
}

// ClientCount builds the live connection count notice.
func ClientCount(n int) string {
	return countPrefix + strconv.Itoa(n)
}

// ParseClientCount extracts the count from a ClientCount notice.
func ParseClientCount(text string) (int, bool) {
	rest, ok := strings.CutPrefix(text, countPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
