package gateway

// Role 连接角色
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Session 已验证连接的授权范围
// 握手时确定，连接存续期间不变；权限变更需重连
type Session struct {
	UserID  string   `json:"userId"`
	Role    Role     `json:"role"`
	TankIDs []string `json:"tankIds"`
}

// IsAdmin 是否管理员（可见全部储罐）
func (s *Session) IsAdmin() bool {
	return s.Role == RoleAdmin
}

// CanAccessTank 是否有权订阅该储罐
func (s *Session) CanAccessTank(tankID string) bool {
	if s.IsAdmin() {
		return true
	}
	for _, id := range s.TankIDs {
		if id == tankID {
			return true
		}
	}
	return false
}
