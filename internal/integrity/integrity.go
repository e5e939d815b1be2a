package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// 服务端从不接触明文：这里只对密文字节做完整性校验，
// 哈希算法与客户端约定为 SHA-256 十六进制摘要。

// ContentHash 计算密文内容的 SHA-256 摘要（小写十六进制）。
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Verify 校验客户端声明的哈希与密文内容是否一致。
// 要求完全相等（大小写不敏感），比较使用常量时间实现。
func Verify(content []byte, declaredHash string) bool {
	if declaredHash == "" {
		return false
	}
	computed := ContentHash(content)
	declared := strings.ToLower(declaredHash)
	if len(declared) != len(computed) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(declared)) == 1
}
