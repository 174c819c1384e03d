package filter

/*
Env is the environment chat delivery filters are evaluated in.
Once this struct is fixed, it should not be changed, otherwise filters in
persisted messages may not compile any more (f.e. if properties are renamed).
*/

type Participant struct {
	ConnectionId   string
	DisplayName    string
	IsHost         bool
	IsMuted        bool
	IsVideoEnabled bool
}

type Room struct {
	Id   string
	Name string
}

type Env struct {
	Room    Room
	Source  Participant
	Target  Participant
	Text    string
	Created int64
}
