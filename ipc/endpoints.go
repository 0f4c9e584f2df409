package ipc

const (
	statusEndpoint       = "/status"
	statsEndpoint        = "/stats"
	startServiceEndpoint = "/service/start"
	stopServiceEndpoint  = "/service/stop"
	configEndpoint       = "/config"
	testConfigEndpoint   = "/config/test"
)
