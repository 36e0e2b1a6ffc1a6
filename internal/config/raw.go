package config

import "gopkg.in/yaml.v3"

// DefaultPriority is used when the file has no priority list. Names that
// are not configured are skipped.
var DefaultPriority = []string{"SELECT", "PLAYING", "NORMAL"}

type rawConfig struct {
	Common    rawCommon           `yaml:"common"`
	Capture   rawCapture          `yaml:"capture"`
	Detection rawDetection        `yaml:"detection"`
	States    map[string]rawState `yaml:"states"`
	Priority  []string            `yaml:"priority"`
	Debounce  rawDebounce         `yaml:"debounce"`
	Output    rawOutput           `yaml:"output"`
	Telegram  rawTelegram         `yaml:"telegram"`
	API       rawAPI              `yaml:"api"`
}

type rawCommon struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
}

// Durations are seconds, fractional allowed.
type rawCapture struct {
	URL           string  `yaml:"url"`
	OutputPath    string  `yaml:"output_path"`
	Interval      float64 `yaml:"interval"`
	Scale         string  `yaml:"scale"`
	Quality       int     `yaml:"quality"`
	RWTimeoutUS   int     `yaml:"rw_timeout_us"`
	FFmpegPath    string  `yaml:"ffmpeg_path"`
	CheckInterval float64 `yaml:"check_interval"`
	RestartFloor  float64 `yaml:"restart_floor"`
	StopTimeout   float64 `yaml:"stop_timeout"`
	ReadAttempts  int     `yaml:"read_attempts"`
	ReadTimeout   float64 `yaml:"read_timeout"`
}

type rawDetection struct {
	Algo     string `yaml:"algo"`
	HashSize int    `yaml:"hash_size"`
}

type rawState struct {
	RefsDir   string   `yaml:"refs_dir"`
	MinMatch  int      `yaml:"min_match"`
	MaxMatch  int      `yaml:"max_match"`
	Threshold float64  `yaml:"threshold"`
	ROIs      []rawROI `yaml:"rois"`
}

// UnmarshalYAML applies per-state defaults before decoding.
func (s *rawState) UnmarshalYAML(value *yaml.Node) error {
	type plain rawState
	p := plain{MinMatch: 1, MaxMatch: 3, Threshold: 12}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = rawState(p)
	return nil
}

type rawROI struct {
	Name        string `yaml:"name"`
	X           *int   `yaml:"x"`
	Y           *int   `yaml:"y"`
	W           *int   `yaml:"w"`
	H           *int   `yaml:"h"`
	Required    bool   `yaml:"required"`
	Negative    bool   `yaml:"negative"`
	LinkedState string `yaml:"linked_state"`
	// RefState is the older spelling of linked_state.
	RefState string `yaml:"ref_state"`
}

func (r rawROI) hasCoords() bool {
	return r.X != nil && r.Y != nil && r.W != nil && r.H != nil
}

type rawDebounce struct {
	ConfirmFrames int `yaml:"confirm_frames"`
	DropFrames    int `yaml:"drop_frames"`
}

type rawOutput struct {
	StatusFile string `yaml:"status_file"`
	HistoryDB  string `yaml:"history_db"`
}

type rawTelegram struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
	ClientID string `yaml:"client_id"`
}

type rawAPI struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

func defaults() *rawConfig {
	return &rawConfig{
		Common: rawCommon{InstanceID: "egm-default", LogLevel: "INFO"},
		Capture: rawCapture{
			OutputPath:    "/dev/shm/latest.jpg",
			Interval:      1.0,
			Scale:         "640:-1",
			Quality:       2,
			RWTimeoutUS:   5000000,
			FFmpegPath:    "ffmpeg",
			CheckInterval: 3.0,
			RestartFloor:  5.0,
			StopTimeout:   3.0,
			ReadAttempts:  3,
			ReadTimeout:   2.0,
		},
		Detection: rawDetection{Algo: "dhash", HashSize: 8},
		Debounce:  rawDebounce{ConfirmFrames: 2, DropFrames: 6},
		Output:    rawOutput{StatusFile: "/dev/shm/state.json", HistoryDB: "egm-history.db"},
		API:       rawAPI{HTTPAddr: ":8080", GRPCAddr: ":50051"},
	}
}
