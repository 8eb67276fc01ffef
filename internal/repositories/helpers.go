package repositories

import "dm-service/internal/models"

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// inPair reports whether msg belongs to the conversation between userA and userB.
func inPair(msg models.Message, userA, userB string) bool {
	return (msg.SenderID == userA && msg.ReceiverID == userB) ||
		(msg.SenderID == userB && msg.ReceiverID == userA)
}
