package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// mockengine 模拟 maa-cli 的输出格式，用于在没有模拟器的环境下调试 maabo。
//
//	MOCK_ENGINE_INTERVAL_MS  每行之间的间隔，默认 300
//	MOCK_ENGINE_EXIT_CODE    任务结束后的退出码，默认 0
//	MOCK_ENGINE_IGNORE_TERM  设置后忽略 SIGTERM，用于验证强杀
const version = "0.5.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-V" || os.Args[1] == "version") {
		fmt.Printf("maa-cli v%s\n", version)
		return
	}

	interval := 300 * time.Millisecond
	if v, err := strconv.Atoi(os.Getenv("MOCK_ENGINE_INTERVAL_MS")); err == nil && v >= 0 {
		interval = time.Duration(v) * time.Millisecond
	}
	exitCode, _ := strconv.Atoi(os.Getenv("MOCK_ENGINE_EXIT_CODE"))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
	ignoreTerm := os.Getenv("MOCK_ENGINE_IGNORE_TERM") != ""

	logf := func(level, format string, args ...any) {
		fmt.Printf("[%s %s] %s\n", time.Now().Format("2006-01-02 15:04:05"), level, fmt.Sprintf(format, args...))
	}
	logf("INFO", "maa-cli v%s, args %v", version, os.Args[1:])
	logf("DEBUG", "MAA_CONFIG_DIR=%s", os.Getenv("MAA_CONFIG_DIR"))

	tasks := []string{"StartUp", "Fight", "Infrast", "Mall", "Award"}
	for _, task := range tasks {
		steps := []struct{ level, msg string }{
			{"INFO", task + " Start"},
			{"INFO", "正在执行 " + task},
			{"INFO", task + " Completed"},
		}
		if task == "Fight" {
			steps = append(steps[:2], struct{ level, msg string }{"WARN", "理智不足，提前结束"}, steps[2])
		}
		for _, s := range steps {
			select {
			case sig := <-sigs:
				if !ignoreTerm {
					logf("WARN", "收到信号 %s，退出", sig)
					os.Exit(0)
				}
				logf("WARN", "忽略信号 %s", sig)
			case <-time.After(interval):
			}
			logf(s.level, "%s", s.msg)
		}
	}

	if exitCode != 0 {
		logf("ERROR", "模拟异常退出，退出码 %d", exitCode)
	}
	os.Exit(exitCode)
}
