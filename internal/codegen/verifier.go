package codegen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/RecoveryAshes/ParseGen/internal/models"
	"github.com/RecoveryAshes/ParseGen/internal/utils"
)

// UtilityVerifier 用本机的go工具链检查生成的程序
// 没有go命令时跳过,检查失败只作为警告
type UtilityVerifier struct {
	goAvailable bool
	timeout     time.Duration
}

// NewUtilityVerifier 创建程序检查器
func NewUtilityVerifier(timeout time.Duration) *UtilityVerifier {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	v := &UtilityVerifier{timeout: timeout}
	v.goAvailable = v.checkGoAvailable()

	if v.goAvailable {
		utils.Debug("检测到go工具链,将对生成的程序执行go vet")
	} else {
		utils.Warn("⚠️  未检测到go工具链,跳过生成程序的检查")
	}
	return v
}

// Available go命令是否可用
func (v *UtilityVerifier) Available() bool {
	return v.goAvailable
}

func (v *UtilityVerifier) checkGoAvailable() bool {
	if _, err := exec.LookPath("go"); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "version")
	if err := cmd.Run(); err != nil {
		utils.Debugf("go命令检测失败: %v", err)
		return false
	}
	return true
}

// Verify 在临时目录中执行 go mod tidy 与 go vet
func (v *UtilityVerifier) Verify(ctx context.Context, aggregator *Aggregator, utility *models.AggregatedUtility) error {
	if !v.goAvailable {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "parsegen-verify-*")
	if err != nil {
		return fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if _, err := aggregator.WriteModule(utility, tmpDir); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	for _, args := range [][]string{{"mod", "tidy"}, {"vet", "."}} {
		cmd := exec.CommandContext(ctx, "go", args...)
		cmd.Dir = tmpDir
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("go %s 失败: %w, output: %s", args[0], err, utils.Truncate(string(output), 2000))
		}
	}

	utils.Infof("✅ 生成的程序通过go vet检查: %s", aggregator.Name())
	return nil
}
