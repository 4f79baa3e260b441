package protocol

// CommandKind enumerates the client-to-server verbs.
type CommandKind int

const (
	CmdLogin CommandKind = iota + 1
	CmdPrivate
	CmdGroup
	CmdGetOnline
	CmdPing
	CmdLogout
	CmdHistory
)

const (
	VerbLogin     = "LOGIN"
	VerbPrivate   = "PRIVATE"
	VerbGroup     = "GROUP"
	VerbGetOnline = "GET_ONLINE"
	VerbPing      = "PING"
	VerbLogout    = "LOGOUT"
	VerbHistory   = "HISTORY"
)

var commandVerbs = map[string]CommandKind{
	VerbLogin:     CmdLogin,
	VerbPrivate:   CmdPrivate,
	VerbGroup:     CmdGroup,
	VerbGetOnline: CmdGetOnline,
	VerbPing:      CmdPing,
	VerbLogout:    CmdLogout,
	VerbHistory:   CmdHistory,
}

// commandArity is the number of fields following each verb.
var commandArity = map[string]int{
	VerbLogin:     2, // user, password
	VerbPrivate:   2, // recipient, text
	VerbGroup:     2, // group, text
	VerbGetOnline: 0,
	VerbPing:      0,
	VerbLogout:    0,
	VerbHistory:   0,
}

func (k CommandKind) String() string {
	for verb, kind := range commandVerbs {
		if kind == k {
			return verb
		}
	}
	return "UNKNOWN"
}

// Command is a decoded client frame. Only the fields relevant to Kind are set:
// User/Password for LOGIN, Target/Text for PRIVATE (recipient) and GROUP (group name).
type Command struct {
	Kind     CommandKind
	User     string
	Password string
	Target   string
	Text     string
}

// DecodeCommand parses one client line. Malformed input yields a *ProtocolError.
func DecodeCommand(line string) (Command, error) {
	verb, fields, err := split(line, commandArity)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{Kind: commandVerbs[verb]}
	switch cmd.Kind {
	case CmdLogin:
		cmd.User, cmd.Password = fields[0], fields[1]
	case CmdPrivate, CmdGroup:
		cmd.Target, cmd.Text = fields[0], fields[1]
	}
	return cmd, nil
}

// Encode renders the command as a wire line without the trailing newline.
func (c Command) Encode() string {
	switch c.Kind {
	case CmdLogin:
		return join(VerbLogin, c.User, c.Password)
	case CmdPrivate:
		return join(VerbPrivate, c.Target, c.Text)
	case CmdGroup:
		return join(VerbGroup, c.Target, c.Text)
	default:
		return c.Kind.String()
	}
}

// Login builds a LOGIN command.
func Login(user, password string) Command {
	return Command{Kind: CmdLogin, User: user, Password: password}
}

// Private builds a PRIVATE command.
func Private(to, text string) Command {
	return Command{Kind: CmdPrivate, Target: to, Text: text}
}

// Group builds a GROUP command.
func Group(group, text string) Command {
	return Command{Kind: CmdGroup, Target: group, Text: text}
}
