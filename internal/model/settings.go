package model

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
}

type NotifySettings struct {
	// OnFinish 正常结束也发送通知；默认只在异常退出时通知。
	OnFinish bool `json:"onFinish"`
	// MinRunSeconds 运行时长不足该值的会话不通知，避免启动失败刷屏。
	MinRunSeconds int `json:"minRunSeconds"`
}
